package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/toe/internal/config"
	"firestige.xyz/toe/internal/core"
	"firestige.xyz/toe/internal/pkttest"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunValidate(t *testing.T) {
	path := writeFile(t, "config.yml", `
toe:
  engine:
    queue_depth: 16
    rx_buffer_size: 4096
    max_sessions: 32
    listen_ports: [80, 443]
`)
	var buf bytes.Buffer
	require.NoError(t, runValidate(path, &buf))
	assert.Contains(t, buf.String(), "VALID")
	assert.Contains(t, buf.String(), "queue depth 16")
	assert.Contains(t, buf.String(), "2 listening port(s)")
}

func TestRunValidateRejects(t *testing.T) {
	path := writeFile(t, "config.yml", `
toe:
  engine:
    rx_buffer_size: 1000
`)
	err := runValidate(path, &bytes.Buffer{})
	assert.ErrorIs(t, err, core.ErrBufferSizeRange)

	path = writeFile(t, "ports.yml", `
toe:
  engine:
    listen_ports: [70000]
`)
	err = runValidate(path, &bytes.Buffer{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	assert.Error(t, runValidate("", &bytes.Buffer{}))
	assert.Error(t, runValidate(filepath.Join(t.TempDir(), "missing.yml"), &bytes.Buffer{}))
}

func TestRunConfigShow(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runConfigShow("", &buf))

	out := buf.String()
	assert.Contains(t, out, "toe:")
	assert.Contains(t, out, "queue_depth: 64")
	assert.Contains(t, out, "rx_buffer_size: 65536")
	assert.Contains(t, out, "level: info")
}

func TestRunConfigShowFile(t *testing.T) {
	path := writeFile(t, "config.yml", `
toe:
  log:
    level: debug
  engine:
    mss: 1200
`)
	var buf bytes.Buffer
	require.NoError(t, runConfigShow(path, &buf))
	assert.Contains(t, buf.String(), "level: debug")
	assert.Contains(t, buf.String(), "mss: 1200")
}

func writeCapture(t *testing.T, segs ...pkttest.Segment) string {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Unix(1700000000, 0)
	for i, s := range segs {
		f := s.Frame()
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(f), Length: len(f)}
		require.NoError(t, w.WritePacket(ci, f))
	}
	return writeFile(t, "capture.pcap", buf.String())
}

func TestRunReplay(t *testing.T) {
	syn := pkttest.Inbound(40000, 80)
	syn.SYN, syn.Seq = true, 100
	synAck := pkttest.Outbound(80, 40000)
	synAck.SYN, synAck.ACK, synAck.Seq, synAck.Ack = true, true, 9000, 101
	data := pkttest.Inbound(40000, 80)
	data.ACK, data.Seq, data.Ack, data.Payload = true, 101, 9001, []byte("hello")

	cfg := config.Default()
	cfg.Engine.ListenPorts = []int{80}
	trace := filepath.Join(t.TempDir(), "trace.bin")

	var buf bytes.Buffer
	err := runReplay(context.Background(), cfg, replayOptions{
		File:     writeCapture(t, syn, synAck, data),
		TraceOut: trace,
	}, &buf)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "inbound: 2")
	assert.Contains(t, out, "outbound: 1")
	assert.Contains(t, out, "SYN_ACK: 1")
	assert.Contains(t, out, "notifications: 1")
	assert.Contains(t, out, "bytes: 5")

	fi, err := os.Stat(trace)
	require.NoError(t, err)
	assert.NotZero(t, fi.Size())
}

func TestRunReplayMissingFile(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.ListenPorts = []int{80}
	err := runReplay(context.Background(), cfg, replayOptions{
		File: filepath.Join(t.TempDir(), "none.pcap"),
	}, &bytes.Buffer{})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrConfigInvalid)
}

func TestRunReplayNeedsListenPorts(t *testing.T) {
	data := pkttest.Inbound(40000, 80)
	data.ACK, data.Seq, data.Payload = true, 101, []byte("hello")

	var buf bytes.Buffer
	err := runReplay(context.Background(), config.Default(), replayOptions{
		File: writeCapture(t, data),
	}, &buf)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	assert.ErrorContains(t, err, "listen_ports")
	assert.Empty(t, buf.String())
}
