package opus

/*
#cgo pkg-config: opus
#include <opus.h>
#include <stdlib.h>

static int voxloop_opus_set_bitrate(OpusEncoder *enc, opus_int32 bitrate) {
    return opus_encoder_ctl(enc, OPUS_SET_BITRATE(bitrate));
}
*/
import "C"
import (
	"fmt"
	"unsafe"
)

// Decoder decodes mono Opus frames to 16-bit little-endian PCM.
type Decoder struct {
	sampleRate int
	cDec       *C.OpusDecoder
}

// NewDecoder creates a mono decoder at the given sample rate
// (8000, 12000, 16000, 24000, or 48000).
func NewDecoder(sampleRate int) (*Decoder, error) {
	var cerr C.int
	cDec := C.opus_decoder_create(C.opus_int32(sampleRate), 1, &cerr)
	if cerr != C.OPUS_OK {
		return nil, fmt.Errorf("opus: decoder create: %s", C.GoString(C.opus_strerror(cerr)))
	}
	return &Decoder{sampleRate: sampleRate, cDec: cDec}, nil
}

// Decode decodes one frame. The result is int16 samples, little-endian.
func (d *Decoder) Decode(f Frame) ([]byte, error) {
	if d.cDec == nil {
		return nil, fmt.Errorf("opus: decoder is closed")
	}
	// 120ms at 48kHz is the largest legal packet.
	buf := make([]int16, 5760)

	var dataPtr *C.uchar
	var dataLen C.opus_int32
	if len(f) > 0 {
		dataPtr = (*C.uchar)(unsafe.Pointer(&f[0]))
		dataLen = C.opus_int32(len(f))
	}
	n := C.opus_decode(d.cDec, dataPtr, dataLen,
		(*C.opus_int16)(unsafe.Pointer(&buf[0])), C.int(len(buf)), 0)
	if n < 0 {
		return nil, fmt.Errorf("opus: decode: %s", C.GoString(C.opus_strerror(n)))
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), 2*int(n)), nil
}

// DecodePLC synthesizes the given number of samples for a lost packet.
func (d *Decoder) DecodePLC(samples int) ([]byte, error) {
	if d.cDec == nil {
		return nil, fmt.Errorf("opus: decoder is closed")
	}
	buf := make([]int16, samples)
	n := C.opus_decode(d.cDec, nil, 0,
		(*C.opus_int16)(unsafe.Pointer(&buf[0])), C.int(samples), 0)
	if n < 0 {
		return nil, fmt.Errorf("opus: plc decode: %s", C.GoString(C.opus_strerror(n)))
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), 2*int(n)), nil
}

// SampleRate returns the decoder's output sample rate.
func (d *Decoder) SampleRate() int {
	return d.sampleRate
}

// Close releases the underlying libopus decoder.
func (d *Decoder) Close() {
	if d.cDec != nil {
		C.opus_decoder_destroy(d.cDec)
		d.cDec = nil
	}
}

// Encoder encodes mono 16-bit PCM to Opus frames with the VoIP profile.
type Encoder struct {
	sampleRate int
	cEnc       *C.OpusEncoder
}

// NewEncoder creates a mono VoIP encoder at the given sample rate.
func NewEncoder(sampleRate int) (*Encoder, error) {
	var cerr C.int
	cEnc := C.opus_encoder_create(C.opus_int32(sampleRate), 1,
		C.OPUS_APPLICATION_VOIP, &cerr)
	if cerr != C.OPUS_OK {
		return nil, fmt.Errorf("opus: encoder create: %s", C.GoString(C.opus_strerror(cerr)))
	}
	return &Encoder{sampleRate: sampleRate, cEnc: cEnc}, nil
}

// SetBitrate sets the encoder target bitrate in bits per second.
func (e *Encoder) SetBitrate(bps int) error {
	if e.cEnc == nil {
		return fmt.Errorf("opus: encoder is closed")
	}
	if rc := C.voxloop_opus_set_bitrate(e.cEnc, C.opus_int32(bps)); rc != C.OPUS_OK {
		return fmt.Errorf("opus: set bitrate: %s", C.GoString(C.opus_strerror(rc)))
	}
	return nil
}

// EncodeBytes encodes frameSize samples of little-endian int16 PCM.
func (e *Encoder) EncodeBytes(pcm []byte, frameSize int) (Frame, error) {
	if e.cEnc == nil {
		return nil, fmt.Errorf("opus: encoder is closed")
	}
	if len(pcm) < frameSize*2 {
		return nil, fmt.Errorf("opus: short pcm: %d bytes for %d samples", len(pcm), frameSize)
	}
	samples := unsafe.Slice((*int16)(unsafe.Pointer(&pcm[0])), len(pcm)/2)
	buf := make([]byte, 4000)
	n := C.opus_encode(e.cEnc,
		(*C.opus_int16)(unsafe.Pointer(&samples[0])), C.int(frameSize),
		(*C.uchar)(unsafe.Pointer(&buf[0])), C.opus_int32(len(buf)))
	if n < 0 {
		return nil, fmt.Errorf("opus: encode: %s", C.GoString(C.opus_strerror(n)))
	}
	return Frame(buf[:n]), nil
}

// Close releases the underlying libopus encoder.
func (e *Encoder) Close() {
	if e.cEnc != nil {
		C.opus_encoder_destroy(e.cEnc)
		e.cEnc = nil
	}
}
