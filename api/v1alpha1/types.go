// Package v1alpha1 contains the CRD types for the vmoperator.jdrupes.org
// API group: VirtualMachine and VmPool (spec §3, §6). The runner itself
// never creates or deletes these objects; it reads its own VM's spec via
// an operator-provided config file and writes status directly through
// the Kubernetes API, so only the types and DeepCopy machinery the status
// updater needs are defined here — no full controller-runtime scheme
// registration helpers beyond AddToScheme. Grounded on the shape of
// github.com/projectbeskar/virtrigaud's v1beta1.VirtualMachine types
// (ObjectMeta/TypeMeta embedding, metav1.Condition slices,
// ObservedGeneration) and on github.com/sigs.k8s.io/controller-runtime's
// client.Object interface, which VirtualMachine/VmPool satisfy.
package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupVersion is the API group and version for this package's types.
var GroupVersion = schema.GroupVersion{Group: "vmoperator.jdrupes.org", Version: "v1alpha1"}

// Drive mirrors the config file's drive entry.
type Drive struct {
	Type      string `json:"type"`
	BootIndex *int   `json:"bootindex,omitempty"`
	Device    string `json:"device"`
	File      string `json:"file,omitempty"`
}

// VirtualMachineSpec is the declared desired state of one VM (spec §3).
type VirtualMachineSpec struct {
	UUID             string   `json:"uuid,omitempty"`
	UseTpm           bool     `json:"useTpm,omitempty"`
	Firmware         string   `json:"firmware"`
	MaximumCpus      int      `json:"maximumCpus"`
	CurrentCpus      int      `json:"currentCpus"`
	MaximumRam       string   `json:"maximumRam"`
	CurrentRam       string   `json:"currentRam"`
	PowerdownTimeout int      `json:"powerdownTimeout,omitempty"`
	Drives           []Drive  `json:"drives,omitempty"`
	State            string   `json:"state,omitempty"`
	ResetCount       int      `json:"resetCount,omitempty"`
	Pools            []string `json:"pools,omitempty"`
	Permissions      []string `json:"permissions,omitempty"`
}

// VirtualMachineStatus is the observed state the runner publishes back
// (spec §4.10).
type VirtualMachineStatus struct {
	// Phase mirrors the runner's top-level state machine phase.
	Phase string `json:"phase,omitempty"`
	// Conditions is deduplicated per type: an entry is only replaced when
	// Status or Reason differs, to avoid gratuitous LastTransitionTime
	// churn (spec §4.10, §8).
	Conditions []metav1.Condition `json:"conditions,omitempty"`
	// ObservedGeneration is the spec generation the above fields reflect.
	ObservedGeneration int64  `json:"observedGeneration,omitempty"`
	Cpus               int    `json:"cpus,omitempty"`
	Ram                string `json:"ram,omitempty"`
	OsInfo             map[string]string `json:"osInfo,omitempty"`
	ConsoleConnected   bool   `json:"consoleConnected,omitempty"`
	ResetCounter       int    `json:"resetCounter,omitempty"`
}

// VirtualMachine is the CRD root object the runner reads its own spec
// from (via an operator-mounted config file, not a live watch) and
// patches status on directly.
type VirtualMachine struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   VirtualMachineSpec   `json:"spec,omitempty"`
	Status VirtualMachineStatus `json:"status,omitempty"`
}

// DeepCopyObject implements runtime.Object.
func (vm *VirtualMachine) DeepCopyObject() runtime.Object {
	return vm.DeepCopy()
}

// DeepCopy returns a deep copy of vm.
func (vm *VirtualMachine) DeepCopy() *VirtualMachine {
	if vm == nil {
		return nil
	}
	out := new(VirtualMachine)
	out.TypeMeta = vm.TypeMeta
	vm.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	out.Spec = vm.Spec
	out.Spec.Drives = append([]Drive(nil), vm.Spec.Drives...)
	out.Spec.Pools = append([]string(nil), vm.Spec.Pools...)
	out.Spec.Permissions = append([]string(nil), vm.Spec.Permissions...)
	out.Status = vm.Status
	out.Status.Conditions = make([]metav1.Condition, len(vm.Status.Conditions))
	copy(out.Status.Conditions, vm.Status.Conditions)
	if vm.Status.OsInfo != nil {
		out.Status.OsInfo = make(map[string]string, len(vm.Status.OsInfo))
		for k, v := range vm.Status.OsInfo {
			out.Status.OsInfo[k] = v
		}
	}
	return out
}

// VirtualMachineList is a list of VirtualMachine.
type VirtualMachineList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []VirtualMachine `json:"items"`
}

// DeepCopyObject implements runtime.Object.
func (l *VirtualMachineList) DeepCopyObject() runtime.Object {
	if l == nil {
		return nil
	}
	out := new(VirtualMachineList)
	out.TypeMeta = l.TypeMeta
	l.ListMeta.DeepCopyInto(&out.ListMeta)
	out.Items = make([]VirtualMachine, len(l.Items))
	for i := range l.Items {
		out.Items[i] = *l.Items[i].DeepCopy()
	}
	return out
}

// VmPoolSpec declares a pool that VMs can opt into membership of.
type VmPoolSpec struct {
	DisplayName string `json:"displayName,omitempty"`
	MaxMembers  int    `json:"maxMembers,omitempty"`
}

// VmPoolStatus reports aggregate pool occupancy. Populated by the
// control-plane operator, not the runner; the runner neither reads nor
// writes it.
type VmPoolStatus struct {
	MemberCount int `json:"memberCount,omitempty"`
}

// VmPool is the CRD root object for a VM pool.
type VmPool struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   VmPoolSpec   `json:"spec,omitempty"`
	Status VmPoolStatus `json:"status,omitempty"`
}

// DeepCopyObject implements runtime.Object.
func (p *VmPool) DeepCopyObject() runtime.Object {
	return p.DeepCopy()
}

// DeepCopy returns a deep copy of p.
func (p *VmPool) DeepCopy() *VmPool {
	if p == nil {
		return nil
	}
	out := new(VmPool)
	out.TypeMeta = p.TypeMeta
	p.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	out.Spec = p.Spec
	out.Status = p.Status
	return out
}

// VmPoolList is a list of VmPool.
type VmPoolList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []VmPool `json:"items"`
}

// DeepCopyObject implements runtime.Object.
func (l *VmPoolList) DeepCopyObject() runtime.Object {
	if l == nil {
		return nil
	}
	out := new(VmPoolList)
	out.TypeMeta = l.TypeMeta
	l.ListMeta.DeepCopyInto(&out.ListMeta)
	out.Items = make([]VmPool, len(l.Items))
	for i := range l.Items {
		out.Items[i] = *l.Items[i].DeepCopy()
	}
	return out
}

// SchemeBuilder registers these types with a runtime.Scheme, the same
// pattern controller-runtime client consumers use for custom APIs.
var SchemeBuilder = runtime.NewSchemeBuilder(addKnownTypes)

func addKnownTypes(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(GroupVersion,
		&VirtualMachine{}, &VirtualMachineList{},
		&VmPool{}, &VmPoolList{},
	)
	metav1.AddToGroupVersion(scheme, GroupVersion)
	return nil
}

// AddToScheme adds this group's types to an existing scheme.
var AddToScheme = SchemeBuilder.AddToScheme
