package imagestream

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slamcar-console/internal/framing"
	"slamcar-console/internal/models"
	"slamcar-console/internal/reqrep"
)

type memRecorder struct {
	mu     sync.Mutex
	frames []*models.Frame
}

func (r *memRecorder) RecordFrame(f *models.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *memRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func pngBytes(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func startService(t *testing.T, rec Recorder) *Service {
	t.Helper()
	s, err := New(Config{Addr: "127.0.0.1:0", Logger: zerolog.Nop(), Recorder: rec})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s
}

func dial(t *testing.T, s *Service) *reqrep.Client {
	t.Helper()
	c, err := reqrep.Dial(s.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLatestFrame_EmptyBeforeFirstFrame(t *testing.T) {
	s := startService(t, nil)

	f, ok := s.LatestFrame()
	assert.False(t, ok)
	assert.Nil(t, f)

	_, ok = s.TakeFrame()
	assert.False(t, ok)
}

func TestReceiveFrame(t *testing.T) {
	rec := &memRecorder{}
	s := startService(t, rec)
	c := dial(t, s)

	payload := pngBytes(t, 8, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	reply, err := c.Request(framing.Encode(payload))
	require.NoError(t, err)
	assert.Equal(t, framing.AckToken, reply)

	f, ok := s.LatestFrame()
	require.True(t, ok)
	assert.Equal(t, 8, f.Width)
	assert.Equal(t, 4, f.Height)
	assert.Equal(t, "png", f.Format)
	assert.Equal(t, uint64(1), f.Seq)
	require.Len(t, f.Pix, 8*4*4)
	assert.Equal(t, []byte{10, 20, 30, 255}, f.Pix[:4])
	assert.Equal(t, payload, f.Encoded)

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Stats().Received)
}

func TestTruncatedMessage_ErrorThenRecover(t *testing.T) {
	s := startService(t, nil)
	c := dial(t, s)

	msg := framing.Encode(pngBytes(t, 2, 2, color.RGBA{A: 255}))
	reply, err := c.Request(msg[:len(msg)-3])
	require.NoError(t, err)
	assert.Equal(t, framing.ErrorToken, reply)

	_, ok := s.LatestFrame()
	assert.False(t, ok, "slot untouched by a failed message")

	reply, err = c.Request(msg)
	require.NoError(t, err)
	assert.Equal(t, framing.AckToken, reply)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.DecodeErrors)
	assert.Equal(t, uint64(1), st.Received)
}

func TestUndecodableImage(t *testing.T) {
	s := startService(t, nil)
	c := dial(t, s)

	reply, err := c.Request(framing.Encode(bytes.Repeat([]byte{0x42}, 100)))
	require.NoError(t, err)
	assert.Equal(t, framing.ErrorToken, reply)
	assert.Equal(t, uint64(1), s.Stats().DecodeErrors)
}

// withDimensions rewrites the IHDR size of a PNG and fixes up its CRC.
func withDimensions(t *testing.T, payload []byte, w, h uint32) []byte {
	t.Helper()
	require.Equal(t, "IHDR", string(payload[12:16]))
	out := append([]byte(nil), payload...)
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestOversizedFrame_ErrorThenRecover(t *testing.T) {
	s := startService(t, nil)
	c := dial(t, s)

	good := pngBytes(t, 2, 2, color.RGBA{B: 200, A: 255})
	huge := withDimensions(t, good, 200000, 200000)

	reply, err := c.Request(framing.Encode(huge))
	require.NoError(t, err)
	assert.Equal(t, framing.ErrorToken, reply)

	_, ok := s.LatestFrame()
	assert.False(t, ok)

	reply, err = c.Request(framing.Encode(good))
	require.NoError(t, err)
	assert.Equal(t, framing.AckToken, reply)

	st := s.Stats()
	assert.Equal(t, uint64(1), st.DecodeErrors)
	assert.Equal(t, uint64(1), st.Received)
}

func TestDecodeFrame_PixelLimit(t *testing.T) {
	payload := pngBytes(t, 4, 4, color.RGBA{A: 255})

	_, err := decodeFrame(payload, 15)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	f, err := decodeFrame(payload, 16)
	require.NoError(t, err)
	assert.Equal(t, 4, f.Width)

	_, err = decodeFrame(withDimensions(t, payload, 40000, 40000), DefaultMaxPixels)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestTakeFrame_DropOld(t *testing.T) {
	s := startService(t, nil)
	c := dial(t, s)

	for i := 0; i < 3; i++ {
		reply, err := c.Request(framing.Encode(pngBytes(t, 1, 1, color.RGBA{R: uint8(i), A: 255})))
		require.NoError(t, err)
		require.Equal(t, framing.AckToken, reply)
	}

	f, ok := s.TakeFrame()
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Seq, "newest frame wins")
	assert.Equal(t, uint64(2), s.Stats().Dropped)

	_, ok = s.TakeFrame()
	assert.False(t, ok, "frame is taken once")

	latest, ok := s.LatestFrame()
	require.True(t, ok, "LatestFrame still peeks")
	assert.Same(t, f, latest)
}

func TestStart_BindFailure(t *testing.T) {
	first := startService(t, nil)

	second, err := New(Config{Addr: first.Addr(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Error(t, second.Start())
	assert.NoError(t, second.Close())
}

func TestStart_Twice(t *testing.T) {
	s := startService(t, nil)
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
}

func TestClose_UnblocksReceiver(t *testing.T) {
	s, err := New(Config{Addr: "127.0.0.1:0", Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, s.Start())

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.NoError(t, s.Close())
}

func TestConcurrentReaders(t *testing.T) {
	s := startService(t, nil)
	c := dial(t, s)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if f, ok := s.LatestFrame(); ok {
					assert.Len(t, f.Pix, f.Width*f.Height*4)
				}
				s.TakeFrame()
			}
		}()
	}

	for i := 0; i < 20; i++ {
		_, err := c.Request(framing.Encode(pngBytes(t, 3+i%2, 2, color.RGBA{G: 99, A: 255})))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(20), s.Stats().Received)
}
