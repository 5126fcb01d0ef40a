//go:build darwin

package beep

import (
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

var (
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	initOnce sync.Once
	playMu   sync.Mutex

	// read from the device callback
	current atomic.Pointer[[]byte]
	pos     atomic.Uint32
)

func Init() { initOnce.Do(initDevice) }

func initDevice() {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return
	}
	malgoCtx = ctx
	if err := openDevice(); err != nil {
		malgoCtx.Uninit()
		malgoCtx = nil
	}
}

func openDevice() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = sampleRate

	var err error
	device, err = malgo.InitDevice(malgoCtx.Context, cfg, malgo.DeviceCallbacks{Data: fill})
	return err
}

func fill(out, _ []byte, frames uint32) {
	clear(out)
	p := current.Load()
	if p == nil {
		return
	}
	data := *p
	at := pos.Load()
	if int(at) >= len(data) {
		current.Store(nil)
		return
	}
	n := copy(out[:frames*2], data[at:])
	pos.Store(at + uint32(n))
}

func bytesOf(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func play(c Cue) {
	Init()
	if malgoCtx == nil {
		return
	}
	data := bytesOf(mono(c))

	playMu.Lock()
	defer playMu.Unlock()
	if device == nil {
		return
	}
	device.Stop()
	pos.Store(0)
	current.Store(&data)
	if err := device.Start(); err != nil {
		// The device goes stale across sleep/wake; reopen once.
		device.Uninit()
		if err := openDevice(); err != nil || device.Start() != nil {
			current.Store(nil)
		}
	}
}
