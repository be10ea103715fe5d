//go:build !linux

package main

import (
	"fmt"

	"github.com/ardnew/softqmi/config"
	"github.com/ardnew/softqmi/hal"
	"github.com/ardnew/softqmi/pkg"
)

func openUSB(*config.Device) (hal.ControlHAL, error) {
	return nil, fmt.Errorf("usb modems require linux, use --simulate: %w", pkg.ErrNotSupported)
}
