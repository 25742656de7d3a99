package session

import (
	"fmt"
	"log/slog"
	"os"
)

// Fixed protocol strings of the firmware-side calldwell library.
const (
	// MCUInitMessage is announced by the target once its RTT facilities
	// are up.
	MCUInitMessage = "calldwell-rs started"
	// HostHandshakeMessage is the host's handshake request.
	HostHandshakeMessage = "host handshake requested"
)

// ExpectedHandshakeAck is the acknowledgement the target must produce: a
// decimal byte length, a colon, and the request echoed back literally.
// Echoing the length proves the firmware decoded the exact byte count,
// catching truncation and framing bugs a bare echo would miss.
func ExpectedHandshakeAck() string {
	return fmt.Sprintf("%d:%s", len(HostHandshakeMessage), HostHandshakeMessage)
}

type handshakeStage int

const (
	stageWaitInit handshakeStage = iota
	stageSendRequest
	stageWaitAck
	stageDone
)

// PerformHandshake runs the fixed exchange that self-verifies the trace
// channel before tests trust it. The state machine is a single path: any
// mismatch fails without transmitting further data.
func PerformHandshake(trace TraceChannel, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	logger.Info("performing handshake")

	stage := stageWaitInit
	for {
		switch stage {
		case stageWaitInit:
			init, err := trace.ReceiveLine()
			if err != nil {
				return failure(CategoryProtocol, "wait for init message", err)
			}
			if init != MCUInitMessage {
				return failuref(CategoryProtocol, "wait for init message",
					"expected %q, got %q", MCUInitMessage, init)
			}
			stage = stageSendRequest
		case stageSendRequest:
			if err := trace.TransmitLine(HostHandshakeMessage); err != nil {
				return failure(CategoryProtocol, "send handshake request", err)
			}
			stage = stageWaitAck
		case stageWaitAck:
			ack, err := trace.ReceiveLine()
			if err != nil {
				return failure(CategoryProtocol, "wait for handshake ack", err)
			}
			if want := ExpectedHandshakeAck(); ack != want {
				return failuref(CategoryProtocol, "wait for handshake ack",
					"expected %q, got %q", want, ack)
			}
			stage = stageDone
		case stageDone:
			logger.Info("handshake verified")
			return nil
		}
	}
}
