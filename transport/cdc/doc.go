// Package cdc implements a QMI transport over the CDC encapsulated-command
// channel of a USB modem.
//
// Outbound frames are sent with SEND_ENCAPSULATED_COMMAND class requests on
// endpoint zero. A reader goroutine polls the interrupt IN endpoint; an
// 8-byte RESPONSE_AVAILABLE notification triggers a GET_ENCAPSULATED_RESPONSE
// request whose payload is handed to the [transport.Handler], and a 16-byte
// CONNECTION_SPEED_CHANGE notification is reported as a link event.
//
// # Usage
//
//	t := cdc.New(h)
//	if err := t.Start(ctx, handler); err != nil {
//	    return err
//	}
//	defer t.Close()
//	err := t.Write(ctx, frame)
package cdc
