package qmp

// Typed convenience wrappers over Submit for the commands the
// sub-controllers issue (spec §4.4-§4.7). Each fires its MonitorResult on
// the given reply event/pipeline once QEMU answers.

// QueryHotpluggableCPUs asks QEMU for the set of populated and free vCPU
// slots, used by the CPU controller to pick the next free id to add or
// the id to remove (spec §4.4).
func (c *Client) QueryHotpluggableCPUs(replyEvent, replyPipeline string) {
	c.Submit("query-hotpluggable-cpus", nil, replyEvent, replyPipeline)
}

// DeviceAdd hot-plugs a vCPU or other device.
func (c *Client) DeviceAdd(driver, id string, props map[string]any, replyEvent, replyPipeline string) {
	args := map[string]any{"driver": driver, "id": id}
	for k, v := range props {
		args[k] = v
	}
	c.Submit("device_add", args, replyEvent, replyPipeline)
}

// DeviceDel hot-unplugs a vCPU or other device.
func (c *Client) DeviceDel(id string, replyEvent, replyPipeline string) {
	c.Submit("device_del", map[string]any{"id": id}, replyEvent, replyPipeline)
}

// Balloon requests the guest balloon driver adjust to targetBytes (spec §4.5).
func (c *Client) Balloon(targetBytes uint64, replyEvent, replyPipeline string) {
	c.Submit("balloon", map[string]any{"value": targetBytes}, replyEvent, replyPipeline)
}

// QueryBalloon asks for the current balloon-reported memory size.
func (c *Client) QueryBalloon(replyEvent, replyPipeline string) {
	c.Submit("query-balloon", nil, replyEvent, replyPipeline)
}

// BlockdevOpenTray opens the tray of a removable-media drive (spec §4.6).
func (c *Client) BlockdevOpenTray(id string, replyEvent, replyPipeline string) {
	c.Submit("blockdev-open-tray", map[string]any{"id": id}, replyEvent, replyPipeline)
}

// BlockdevChangeMedium swaps the medium of a removable-media drive.
func (c *Client) BlockdevChangeMedium(id, filename, format string, replyEvent, replyPipeline string) {
	args := map[string]any{"id": id, "filename": filename}
	if format != "" {
		args["format"] = format
	}
	c.Submit("blockdev-change-medium", args, replyEvent, replyPipeline)
}

// BlockdevRemoveMedium ejects the medium of a removable-media drive.
func (c *Client) BlockdevRemoveMedium(id string, replyEvent, replyPipeline string) {
	c.Submit("blockdev-remove-medium", map[string]any{"id": id}, replyEvent, replyPipeline)
}

// SetPassword sets the display password for the given protocol (spec §4.7).
func (c *Client) SetPassword(protocol, password string, replyEvent, replyPipeline string) {
	c.Submit("set_password", map[string]any{"protocol": protocol, "password": password}, replyEvent, replyPipeline)
}

// ExpirePassword sets the display password's expiry, e.g. "+60" for 60
// seconds from now or "now" to expire immediately.
func (c *Client) ExpirePassword(protocol, expiry string, replyEvent, replyPipeline string) {
	c.Submit("expire_password", map[string]any{"protocol": protocol, "time": expiry}, replyEvent, replyPipeline)
}

// SystemPowerdown requests ACPI-level graceful shutdown (spec §4.2).
func (c *Client) SystemPowerdown(replyEvent, replyPipeline string) {
	c.Submit("system_powerdown", nil, replyEvent, replyPipeline)
}

// SystemReset performs a hard reset, triggered by an increase in the
// configured reset counter.
func (c *Client) SystemReset(replyEvent, replyPipeline string) {
	c.Submit("system_reset", nil, replyEvent, replyPipeline)
}

// Cont resumes a paused VM.
func (c *Client) Cont(replyEvent, replyPipeline string) {
	c.Submit("cont", nil, replyEvent, replyPipeline)
}

// Quit asks QEMU to exit immediately.
func (c *Client) Quit(replyEvent, replyPipeline string) {
	c.Submit("quit", nil, replyEvent, replyPipeline)
}
