// Package serialport opens a real UART device for the agent, backed by
// github.com/tarm/serial.
package serialport

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// Port wraps a tarm/serial connection as a frameio.SerialDevice.
type Port struct {
	port *serial.Port
}

// Open configures and opens devicePath at baud 8N1, after first cycling the
// port at a throwaway baud rate to clear any stale UART attributes left by a
// previous owner — the same two-step dance the teacher's USOCK.New performs.
func Open(devicePath string, baud int) (*Port, error) {
	if err := clearAttributes(devicePath); err != nil {
		return nil, fmt.Errorf("failed to clear UART attributes: %v", err)
	}

	cfg := &serial.Config{
		Name:        devicePath,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 0,
	}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %v", err)
	}
	return &Port{port: p}, nil
}

func clearAttributes(devicePath string) error {
	cfg := &serial.Config{
		Name:        devicePath,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 0,
	}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port for attribute clearing: %v", err)
	}
	if err := p.Close(); err != nil {
		return fmt.Errorf("failed to close serial port after attribute clearing: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Read implements io.Reader.
func (p *Port) Read(buf []byte) (int, error) { return p.port.Read(buf) }

// Write implements io.Writer.
func (p *Port) Write(buf []byte) (int, error) { return p.port.Write(buf) }

// Close implements io.Closer.
func (p *Port) Close() error { return p.port.Close() }
