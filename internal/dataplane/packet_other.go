//go:build !linux

package dataplane

import (
	"errors"

	"ethbridge/frame"
	"ethbridge/internal/logging"
)

type PacketSocket struct {
	*link
}

func NewPacketSocket(ifname string, pool *frame.Pool, logger *logging.Logger) (*PacketSocket, error) {
	return nil, errors.New("packet sockets are only supported on linux")
}

func (p *PacketSocket) Send(buf *frame.Buffer) error { return ErrClosed }
func (p *PacketSocket) Close() error                 { return nil }
