package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softqmi/internal/modemsim"
	"github.com/ardnew/softqmi/qmi"
	"github.com/ardnew/softqmi/qmi/qmux"
	"github.com/ardnew/softqmi/qmid"
	"github.com/ardnew/softqmi/transport/cdc"
)

func startDaemon(t *testing.T) string {
	t.Helper()
	d := qmi.New(cdc.New(modemsim.New()),
		qmi.WithPollInterval(5*time.Millisecond),
		qmi.WithLinkWatcher(false))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Register(ctx))
	t.Cleanup(func() { _ = d.Teardown() })

	sock := filepath.Join(t.TempDir(), "qmid.sock")
	s := qmid.New(d)
	require.NoError(t, s.Listen(sock))
	go func() { _ = s.Serve(context.Background()) }()
	t.Cleanup(func() { _ = s.Close() })
	return sock
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIdentityCmd(t *testing.T) {
	sock := startDaemon(t)
	out, err := execute(t, "--socket", sock, "identity")
	require.NoError(t, err)
	assert.Contains(t, out, "usb:  22b8:2a70")
	assert.Contains(t, out, "meid: "+modemsim.DefaultMEID)
}

func TestSendCmd(t *testing.T) {
	sock := startDaemon(t)
	out, err := execute(t, "--socket", sock, "send", "--tid", "9", "nas", "0x0024", "0x01=2a")
	require.NoError(t, err)
	assert.Contains(t, out, "NAS response tid=9 msg=0x0024")
	assert.Contains(t, out, "0x01 [1] 2a")
}

func TestRawCmd(t *testing.T) {
	sock := startDaemon(t)
	sdu := hex.EncodeToString(qmux.NewDMSGetDeviceSerialNumbers(3))
	out, err := execute(t, "--socket", sock, "raw", "dms", sdu)
	require.NoError(t, err)
	assert.Contains(t, out, "DMS response tid=3")
}

func TestSendCmd_NoDaemon(t *testing.T) {
	_, err := execute(t, "--socket", filepath.Join(t.TempDir(), "none.sock"), "--timeout", "100ms", "identity")
	assert.Error(t, err)
}

func TestParseTLVArgs(t *testing.T) {
	tlvs, err := parseTLVArgs([]string{"0x01=2a00", "16=de:ad"})
	require.NoError(t, err)
	assert.Equal(t, qmux.AppendTLV(qmux.AppendTLV(nil, 0x01, []byte{0x2a, 0x00}), 0x10, []byte{0xde, 0xad}), tlvs)

	_, err = parseTLVArgs([]string{"0x01"})
	assert.Error(t, err)
	_, err = parseTLVArgs([]string{"0x100=00"})
	assert.Error(t, err)
	_, err = parseTLVArgs([]string{"1=zz"})
	assert.Error(t, err)
}

func TestDecodeHex(t *testing.T) {
	b, err := decodeHex("0x00 01:FF")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, b)
}

func TestPrintSDU(t *testing.T) {
	var out bytes.Buffer
	sdu := qmux.Response(qmux.ServiceDMS, 4, 0x0025, 1, 0x0022, nil)
	printSDU(&out, qmux.ServiceDMS, sdu)
	assert.Contains(t, out.String(), "DMS response tid=4 msg=0x0025")
	assert.Contains(t, out.String(), "result: qmi result 0x0001 error 0x0022")

	out.Reset()
	printSDU(&out, qmux.ServiceDMS, []byte{0x01})
	assert.Contains(t, out.String(), "undecodable")
}
