package input

import (
	"fmt"
	"io"
	"log"

	"netphys.dev/internal/diag"
	"netphys.dev/internal/physics"
)

// FrameInfo is the consumption state of one connection. It is only mutated by
// ConsumeNextInput, once per physics tick.
type FrameInfo struct {
	LastProcessedInputFrame int64
	InFault                 bool
	FaultLimit              uint32
	LastLocalFrame          int64
}

type Config struct {
	MaxBufferedCmds   int
	InitialFaultLimit uint32
}

type Stats struct {
	Consumed   uint64
	Repeated   uint64
	Faults     uint64
	Recoveries uint64
	Overflows  uint64
}

// Channel hands the simulation exactly one input command per tick for a single
// connection. Commands are consumed in strictly increasing frame order; when
// the buffer runs dry the channel enters fault and the caller repeats the last
// command until enough slack has built up again. FaultLimit grows each starved
// tick and is never lowered.
type Channel struct {
	id      string
	buf     *CmdBuffer
	info    FrameInfo
	started bool
	first   int64

	maxBuffered int64
	faultCap    uint32

	stats Stats
	log   *log.Logger
	sink  diag.Sink
}

func NewChannel(id string, cfg Config, logger *log.Logger, sink diag.Sink) *Channel {
	if cfg.MaxBufferedCmds < 2 {
		cfg.MaxBufferedCmds = 2
	}
	faultCap := uint32(cfg.MaxBufferedCmds - 1)
	if cfg.InitialFaultLimit > faultCap {
		cfg.InitialFaultLimit = faultCap
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Channel{
		id:  id,
		buf: NewCmdBuffer(cfg.MaxBufferedCmds),
		// A new connection waits for InitialFaultLimit commands before it
		// starts consuming.
		info: FrameInfo{
			LastProcessedInputFrame: physics.NoFrame,
			InFault:                 true,
			FaultLimit:              cfg.InitialFaultLimit,
			LastLocalFrame:          physics.NoFrame,
		},
		first:       physics.NoFrame,
		maxBuffered: int64(cfg.MaxBufferedCmds),
		faultCap:    faultCap,
		log:         logger,
		sink:        diag.Or(sink),
	}
}

func (c *Channel) ID() string         { return c.id }
func (c *Channel) Info() FrameInfo    { return c.info }
func (c *Channel) Stats() Stats       { return c.stats }
func (c *Channel) Head() int64        { return c.buf.Head() }
func (c *Channel) Buffer() *CmdBuffer { return c.buf }

// Enqueue stores a received command. Commands for frames already consumed or
// outside the ring are ignored; resends of a buffered frame overwrite it.
func (c *Channel) Enqueue(cmd Cmd) bool {
	if c.started && cmd.Frame <= c.info.LastProcessedInputFrame {
		return false
	}
	if !c.buf.Put(cmd.Frame, cmd.Payload) {
		return false
	}
	if !c.started && (c.first == physics.NoFrame || cmd.Frame < c.first) {
		c.first = cmd.Frame
	}
	return true
}

// ConsumeNextInput returns the command for the next input frame. ok is false
// when there is no new command this tick and the last one should be reused.
// A consumed frame with nothing recorded yields an empty, valid command.
func (c *Channel) ConsumeNextInput(step int64) (cmd []byte, ok bool) {
	head := c.buf.Head()
	if head == physics.NoFrame {
		return nil, false
	}
	if !c.started {
		// Consumption starts at the oldest command received so far.
		c.info.LastProcessedInputFrame = c.first - 1
		c.started = true
	}

	buffered := head - c.info.LastProcessedInputFrame
	if buffered > c.maxBuffered {
		dropped := buffered - c.maxBuffered + 1
		c.info.LastProcessedInputFrame = head - c.maxBuffered + 1
		buffered = c.maxBuffered - 1
		c.stats.Overflows++
		c.log.Printf("input overflow conn=%s head=%d dropped=%d resume=%d", c.id, head, dropped, c.info.LastProcessedInputFrame+1)
		c.sink.Record(diag.Event{Kind: diag.KindInputOverflow, Frame: step, Conn: c.id, Value: float64(dropped)})
	}

	if c.info.InFault {
		if buffered <= 0 || buffered < int64(c.info.FaultLimit) {
			if buffered <= 0 {
				c.growFaultLimit()
			}
			c.stats.Repeated++
			return nil, false
		}
		c.info.InFault = false
		c.stats.Recoveries++
		c.log.Printf("input fault cleared conn=%s buffered=%d limit=%d", c.id, buffered, c.info.FaultLimit)
		c.sink.Record(diag.Event{Kind: diag.KindInputRecovered, Frame: step, Conn: c.id, Value: float64(c.info.FaultLimit)})
	} else if buffered <= 0 {
		c.info.InFault = true
		c.growFaultLimit()
		c.stats.Faults++
		c.stats.Repeated++
		c.log.Printf("input starved conn=%s step=%d limit=%d", c.id, step, c.info.FaultLimit)
		c.sink.Record(diag.Event{Kind: diag.KindInputStarvation, Frame: step, Conn: c.id, Value: float64(c.info.FaultLimit)})
		return nil, false
	}

	c.info.LastProcessedInputFrame++
	c.info.LastLocalFrame = step
	c.stats.Consumed++
	cmd, _ = c.buf.Get(c.info.LastProcessedInputFrame)
	return cmd, true
}

func (c *Channel) growFaultLimit() {
	if c.info.FaultLimit < c.faultCap {
		c.info.FaultLimit++
	}
}

// Ack reports the last consumed input frame and the server frame it ran on.
func (c *Channel) Ack() physics.Ack {
	return physics.Ack{Conn: c.id, InputFrame: c.info.LastProcessedInputFrame, ServerFrame: c.info.LastLocalFrame}
}

func (c *Channel) String() string {
	return fmt.Sprintf("conn=%s last=%d head=%d fault=%t limit=%d", c.id, c.info.LastProcessedInputFrame, c.buf.Head(), c.info.InFault, c.info.FaultLimit)
}
