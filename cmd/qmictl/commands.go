package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/pkg/usbid"
	"github.com/ardnew/softqmi/qmi/qmux"
	"github.com/ardnew/softqmi/qmid/thin"
)

func newIdentityCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the modem's USB IDs and MEID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := g.withTimeout(cmd.Context())
			defer cancel()
			vidpid, meid, err := c.Identity(ctx)
			if err != nil {
				return err
			}
			ids := usbid.New()
			ids.Load()
			fmt.Fprintf(cmd.OutOrStdout(), "usb:  %s\nmeid: %s\n", ids.Describe(vidpid), meid)
			return nil
		},
	}
}

func newSendCmd(g *globals) *cobra.Command {
	var tid uint16
	cmd := &cobra.Command{
		Use:   "send SERVICE MSG [TYPE=HEX ...]",
		Short: "Send a request and print the response",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := qmux.ParseService(args[0])
			if err != nil {
				return err
			}
			msg, err := strconv.ParseUint(args[1], 0, 16)
			if err != nil {
				return fmt.Errorf("message id %q: %w", args[1], err)
			}
			tlvs, err := parseTLVArgs(args[2:])
			if err != nil {
				return err
			}
			return transact(cmd, g, svc, qmux.Request(svc, tid, uint16(msg), tlvs))
		},
	}
	cmd.Flags().Uint16Var(&tid, "tid", 1, "transaction id")
	return cmd
}

func newRawCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "raw SERVICE HEXSDU",
		Short: "Send a hex encoded SDU and print the next message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := qmux.ParseService(args[0])
			if err != nil {
				return err
			}
			sdu, err := decodeHex(args[1])
			if err != nil {
				return err
			}
			return transact(cmd, g, svc, sdu)
		},
	}
}

func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch SERVICE",
		Short: "Bind a client and print every message it receives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := qmux.ParseService(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := g.dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := bind(ctx, g, c, svc); err != nil {
				return err
			}

			for {
				sdu, err := c.Read(ctx, 0)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				printSDU(cmd.OutOrStdout(), svc, sdu)
			}
		},
	}
}

func bind(ctx context.Context, g *globals, c *thin.Client, svc qmux.Service) error {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	cid, err := c.Bind(ctx, svc)
	if err != nil {
		return fmt.Errorf("bind %v: %w", svc, err)
	}
	pkg.LogDebug(pkg.ComponentCLI, "bound", "service", svc, "cid", fmt.Sprintf("0x%04X", cid))
	return nil
}

// transact binds svc, writes sdu and prints the first message received.
func transact(cmd *cobra.Command, g *globals, svc qmux.Service, sdu []byte) error {
	c, err := g.dial(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := bind(cmd.Context(), g, c, svc); err != nil {
		return err
	}

	ctx, cancel := g.withTimeout(cmd.Context())
	defer cancel()
	if _, err := c.Write(ctx, sdu); err != nil {
		return err
	}
	reply, err := c.Read(ctx, 0)
	if err != nil {
		return err
	}
	printSDU(cmd.OutOrStdout(), svc, reply)
	return nil
}

// parseTLVArgs encodes "TYPE=HEX" arguments, e.g. "0x01=2a00".
func parseTLVArgs(args []string) ([]byte, error) {
	var tlvs []byte
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("tlv %q: want TYPE=HEX: %w", arg, pkg.ErrInvalidParameter)
		}
		typ, err := strconv.ParseUint(k, 0, 8)
		if err != nil {
			return nil, fmt.Errorf("tlv type %q: %w", k, err)
		}
		value, err := decodeHex(v)
		if err != nil {
			return nil, err
		}
		tlvs = qmux.AppendTLV(tlvs, uint8(typ), value)
	}
	return tlvs, nil
}

// decodeHex accepts hex with optional spaces, colons or a 0x prefix.
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex %q: %w", s, err)
	}
	return b, nil
}

func printSDU(w io.Writer, svc qmux.Service, sdu []byte) {
	var s qmux.SDU
	if err := qmux.ParseSDU(svc, sdu, &s); err != nil {
		fmt.Fprintf(w, "undecodable (%v): % x\n", err, sdu)
		return
	}
	fmt.Fprintf(w, "%v %v tid=%d msg=0x%04X\n", svc, s.Type, s.TID, s.Message)

	tlvs, err := qmux.ParseTLVs(s.TLVs)
	if err != nil {
		fmt.Fprintf(w, "  tlvs: %v\n", err)
		return
	}
	for _, t := range tlvs {
		fmt.Fprintf(w, "  0x%02X [%d] % x\n", t.Type, len(t.Value), t.Value)
	}
	if err := qmux.CheckResult(s.TLVs); err != nil && !errors.Is(err, pkg.ErrMalformed) {
		fmt.Fprintf(w, "  result: %v\n", err)
	}
}
