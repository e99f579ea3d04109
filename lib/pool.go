package lib

import (
	"fmt"
	"sync"

	"github.com/Clouded-Sabre/Pseudo-TCP-Chat/config"
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var (
	// Pool holds payload buffers for received segments. Nil until the first Node starts.
	Pool     *rp.RingPool
	poolOnce sync.Once
)

// InitPayloadPool creates Pool once per process.
func InitPayloadPool(cfg config.PoolConfig) {
	poolOnce.Do(func() {
		if cfg.Size <= 0 {
			return
		}
		rp.Debug = cfg.Debug
		Pool = rp.NewRingPool("Chat: ", cfg.Size, NewPayload, MaxPayloadSize)
		Pool.Debug = cfg.Debug
		Pool.ProcessTimeThreshold = cfg.ProcessTimeThreshold
	})
}

// Payload is a fixed capacity buffer for one segment payload.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the ring pool constructor. Its single parameter is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	bufferLength := MaxPayloadSize
	if len(params) == 1 {
		if n, ok := params[0].(int); ok && n > 0 {
			bufferLength = n
		}
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

func (p *Payload) Reset() {
	clear(p.payloadBytes)
	p.length = 0
}

func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source (%d) is longer than buffer (%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("payload copy: source is empty")
	}
	p.length = copy(p.payloadBytes, src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
