// Package k8sstatus patches the runner's VirtualMachine custom resource's
// status subresource: phase, conditions, current CPU/RAM, OS info,
// console-connected flag, and reset counter (spec §4.10). It retries on
// HTTP 409 conflicts, re-reading the object between attempts, and
// deduplicates condition updates so unrelated reconciliation passes don't
// churn LastTransitionTime.
//
// Grounded on the widespread use of sigs.k8s.io/controller-runtime's
// client.Client plus k8s.io/apimachinery across the retrieval pack's
// operator repos (projectbeskar/virtrigaud, the cluster-api-provider-*
// family) for exactly this read-modify-write status-patch pattern.
package k8sstatus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	eventsv1 "k8s.io/api/events/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/jdrupes-project/vm-runner/api/v1alpha1"
)

const maxConflictRetries = 16

// serviceAccountNamespaceFile is where Kubernetes mounts the pod's
// namespace when a namespace is not explicitly configured.
const serviceAccountNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// Updater patches one VirtualMachine's status.
type Updater struct {
	log               *slog.Logger
	cl                client.Client
	namespace         string
	name              string
	reportingController string
}

// New creates an Updater. If namespace is empty, it is read from the
// mounted service-account token directory.
func New(log *slog.Logger, cl client.Client, namespace, name, reportingController string) (*Updater, error) {
	if namespace == "" {
		data, err := os.ReadFile(serviceAccountNamespaceFile)
		if err != nil {
			return nil, fmt.Errorf("k8sstatus: namespace not configured and could not read %s: %w", serviceAccountNamespaceFile, err)
		}
		namespace = strings.TrimSpace(string(data))
	}
	return &Updater{log: log, cl: cl, namespace: namespace, name: name, reportingController: reportingController}, nil
}

// Mutator adjusts a VirtualMachineStatus in place; ApplyCondition is a
// typical building block. generation is the
// object's current spec generation as just read from the API server, so
// callers can thread it straight into ApplyCondition's observedGeneration
// (invariant 6 / spec §4.10) without a separate Get.
type Mutator func(status *v1alpha1.VirtualMachineStatus, generation int64)

// Apply performs a read-modify-write cycle against the status subresource,
// retrying on conflict up to maxConflictRetries times, re-reading the
// object before each retry.
func (u *Updater) Apply(ctx context.Context, mutate Mutator) error {
	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		var vm v1alpha1.VirtualMachine
		if err := u.cl.Get(ctx, types.NamespacedName{Namespace: u.namespace, Name: u.name}, &vm); err != nil {
			return fmt.Errorf("k8sstatus: get %s/%s: %w", u.namespace, u.name, err)
		}

		mutate(&vm.Status, vm.Generation)

		err := u.cl.Status().Update(ctx, &vm)
		if err == nil {
			return nil
		}
		if !apierrors.IsConflict(err) {
			u.log.Warn("status update failed, dropping", "error", err)
			return fmt.Errorf("k8sstatus: update %s/%s: %w", u.namespace, u.name, err)
		}
		lastErr = err
		u.log.Debug("status update conflict, retrying", "attempt", attempt)
	}
	return fmt.Errorf("k8sstatus: giving up after %d conflict retries: %w", maxConflictRetries, lastErr)
}

// ApplyCondition sets a condition on status, updating LastTransitionTime
// only when Status or Reason actually changed (spec §4.10, §8).
func ApplyCondition(status *v1alpha1.VirtualMachineStatus, generation int64, condType string, condStatus metav1.ConditionStatus, reason, message string) {
	now := metav1.Now()

	for i := range status.Conditions {
		c := &status.Conditions[i]
		if c.Type != condType {
			continue
		}
		c.ObservedGeneration = generation
		c.Message = message
		if c.Status == condStatus && c.Reason == reason {
			return
		}
		c.Status = condStatus
		c.Reason = reason
		c.LastTransitionTime = now
		return
	}

	status.Conditions = append(status.Conditions, metav1.Condition{
		Type:               condType,
		Status:             condStatus,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: generation,
		LastTransitionTime: now,
	})
}

// EmitConsoleEvent publishes a Kubernetes Event for a console
// connect/disconnect with ReportingController set to the operator name
// (spec §4.10).
func (u *Updater) EmitConsoleEvent(ctx context.Context, connected bool, client string) error {
	action := "ConsoleDisconnected"
	note := fmt.Sprintf("console client %s disconnected", client)
	if connected {
		action = "ConsoleConnected"
		note = fmt.Sprintf("console client %s connected", client)
	}

	ev := &eventsv1.Event{
		ObjectMeta: metav1.ObjectMeta{
			GenerateName: strings.ToLower(action) + "-",
			Namespace:    u.namespace,
		},
		Regarding: corev1.ObjectReference{
			Kind:      "VirtualMachine",
			Namespace: u.namespace,
			Name:      u.name,
		},
		Reason:              action,
		Note:                note,
		Type:                corev1.EventTypeNormal,
		EventTime:           metav1.NowMicro(),
		ReportingController: u.reportingController,
		ReportingInstance:   u.name,
		Action:              action,
	}

	if err := u.cl.Create(ctx, ev); err != nil {
		return fmt.Errorf("k8sstatus: emit console event: %w", err)
	}
	return nil
}
