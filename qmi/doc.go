// Package qmi multiplexes Qualcomm MSM Interface clients over a single
// control transport.
//
// A Device owns a registry of clients keyed by cid (service | client<<8).
// Inbound SDUs are queued on the addressed client and matched against
// pending reads by transaction ID, where zero acts as a wildcard.
// Synchronous callers use Read and SendAndWait; asynchronous callers
// register a Hook with ReadAsync and fetch the message with Take.
//
// Bring-up is driven by Register, which runs the GetVersionInfo readiness
// handshake and optionally starts the WDS link watcher and reads the MEID.
// Teardown invalidates the device and discards every pending operation.
//
//	tr := cdc.New(h)
//	d := qmi.New(tr, qmi.WithFirmwareDelay(5*time.Second))
//	if err := d.Register(ctx); err != nil {
//		return err
//	}
//	defer d.Shutdown(ctx)
//
//	cid, _ := d.Allocate(ctx, qmux.ServiceDMS)
//	resp, err := d.SendAndWait(ctx, cid, qmux.NewDMSGetDeviceSerialNumbers(1), 1)
package qmi
