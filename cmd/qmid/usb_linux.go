//go:build linux

package main

import (
	"github.com/ardnew/softqmi/config"
	"github.com/ardnew/softqmi/hal"
	"github.com/ardnew/softqmi/hal/linux"
)

func openUSB(dev *config.Device) (hal.ControlHAL, error) {
	sel, err := linux.ParseSelector(dev.Path, uint8(dev.Interface))
	if err != nil {
		return nil, err
	}
	sel.InterruptEndpoint = uint8(dev.InterruptEndpoint)
	h, err := linux.Open(sel, linux.WithTransferTimeout(dev.TransferTimeout.Duration))
	if err != nil {
		return nil, err
	}
	return h, nil
}
