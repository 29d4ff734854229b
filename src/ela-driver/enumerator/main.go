// Package enumerator discovers candidate serial ports for a host framework's
// scan pass, and optionally keeps watching for newly attached devices. The
// ELA protocol carries no USB vendor/product signature to match against, so
// a candidate port is only confirmed by actually running the discovery
// handshake (session.Discover) against it.
package enumerator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	serial_enumerator "go.bug.st/serial/enumerator"

	"github.com/ela-project/driver/src/ela-driver/framework"
	"github.com/ela-project/driver/src/ela-driver/transport"
)

// ScanOptions is the scan surface a caller configures: CONN pins the probe
// to a single port, SERIALCOMM overrides the line parameters (default
// 115200/8n1).
type ScanOptions struct {
	Conn       string
	SerialComm string
}

// ParseSerialComm extracts the baud rate from a SERIALCOMM string of the
// form "115200/8n1" (sigrok's conventional encoding). Only the baud rate is
// meaningful here; the transport always opens 8 data bits, no parity, one
// stop bit.
func ParseSerialComm(s string) (int, error) {
	if s == "" {
		return transport.DefaultBaudRate, nil
	}
	head := s
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		head = s[:idx]
	}
	baud, err := strconv.Atoi(strings.TrimSpace(head))
	if err != nil {
		return 0, fmt.Errorf("enumerator: invalid SERIALCOMM %q: %w", s, err)
	}
	return baud, nil
}

// Prober runs the discovery handshake against one candidate port. It is
// satisfied by (*session.Session).Discover; kept as a function type here so
// this package stays independent of session.
type Prober func(ctx context.Context, cfg transport.Config) (*framework.DeviceMetadata, error)

// Found is one successfully probed device, paired with the transport
// configuration that found it.
type Found struct {
	Config   transport.Config
	Metadata framework.DeviceMetadata
}

// ListCandidatePorts returns every serial port the host OS currently exposes
// via go.bug.st/serial/enumerator.GetDetailedPortsList, logging each one at
// debug level.
func ListCandidatePorts(log *logrus.Entry) ([]string, error) {
	ports, err := serial_enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerator: list ports: %w", err)
	}
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		log.WithField("name", p.Name).WithField("vendor", p.VID).WithField("product", p.Product).
			Debug("Considering serial port.")
		names = append(names, p.Name)
	}
	return names, nil
}

// Scan implements one scan pass. With Conn set, it probes exactly that
// port. Otherwise it tries every port the OS reports, in order; the first
// successful handshake wins, since the ELA protocol gives no cheaper way to
// recognize a candidate.
func Scan(ctx context.Context, log *logrus.Entry, opts ScanOptions, probe Prober) (*Found, error) {
	baud, err := ParseSerialComm(opts.SerialComm)
	if err != nil {
		return nil, err
	}

	if opts.Conn != "" {
		cfg := transport.Config{Port: opts.Conn, BaudRate: baud}
		meta, err := probe(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("enumerator: probe %s: %w", opts.Conn, err)
		}
		return &Found{Config: cfg, Metadata: *meta}, nil
	}

	ports, err := ListCandidatePorts(log)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, name := range ports {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		cfg := transport.Config{Port: name, BaudRate: baud}
		meta, err := probe(ctx, cfg)
		if err != nil {
			log.WithField("port", name).WithError(err).Debug("Port did not answer the ELA handshake.")
			lastErr = err
			continue
		}
		log.WithField("port", name).Info("Found ELA device.")
		return &Found{Config: cfg, Metadata: *meta}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("enumerator: no ELA device found among %d port(s): %w", len(ports), lastErr)
	}
	return nil, fmt.Errorf("enumerator: no serial ports available")
}

// Watch repeatedly scans for a device until one is found or ctx is
// cancelled, backing off between empty passes with github.com/cenkalti/backoff's
// exponential backoff, capped so a human watching a log still sees regular
// activity.
func Watch(ctx context.Context, log *logrus.Entry, opts ScanOptions, probe Prober) (*Found, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // retry until ctx is cancelled

	var found *Found
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		f, err := Scan(ctx, log, opts, probe)
		if err != nil {
			return err
		}
		found = f
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return found, nil
}
