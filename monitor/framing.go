// Package monitor exposes live program output for local confidence
// monitoring: a QUIC server pushing preview frames to connected viewers
// and a speaker sink playing the mixed program audio.
package monitor

import (
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/lumen/media"
)

// maxPreviewPixels bounds the pixel payload a reader will accept (8K RGBA).
const maxPreviewPixels = 7680 * 4320 * 4

// FrameRecord is one preview frame on the wire: varint-framed header
// fields followed by raw RGBA pixels.
type FrameRecord struct {
	Source media.SourceKey
	Width  int
	Height int
	PTS    time.Duration
	Pix    []byte
}

// AppendFrameRecord serializes a record, appending to b.
func AppendFrameRecord(b []byte, rec *FrameRecord) []byte {
	b = quicvarint.Append(b, uint64(len(rec.Source)))
	b = append(b, rec.Source...)
	b = quicvarint.Append(b, uint64(rec.Width))
	b = quicvarint.Append(b, uint64(rec.Height))
	b = quicvarint.Append(b, uint64(rec.PTS))
	b = quicvarint.Append(b, uint64(len(rec.Pix)))
	b = append(b, rec.Pix...)
	return b
}

// ReadFrameRecord decodes one record from r.
func ReadFrameRecord(r io.Reader) (*FrameRecord, error) {
	vr := quicvarint.NewReader(r)

	keyLen, err := quicvarint.Read(vr)
	if err != nil {
		return nil, fmt.Errorf("monitor: read source length: %w", err)
	}
	if keyLen > 255 {
		return nil, fmt.Errorf("monitor: source key length %d too large", keyLen)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(vr, key); err != nil {
		return nil, fmt.Errorf("monitor: read source: %w", err)
	}

	width, err := quicvarint.Read(vr)
	if err != nil {
		return nil, fmt.Errorf("monitor: read width: %w", err)
	}
	height, err := quicvarint.Read(vr)
	if err != nil {
		return nil, fmt.Errorf("monitor: read height: %w", err)
	}
	if width > 16384 || height > 16384 {
		return nil, fmt.Errorf("monitor: frame size %dx%d too large", width, height)
	}
	pts, err := quicvarint.Read(vr)
	if err != nil {
		return nil, fmt.Errorf("monitor: read pts: %w", err)
	}
	pixLen, err := quicvarint.Read(vr)
	if err != nil {
		return nil, fmt.Errorf("monitor: read payload length: %w", err)
	}
	if pixLen > maxPreviewPixels {
		return nil, fmt.Errorf("monitor: payload length %d too large", pixLen)
	}
	if pixLen != width*height*4 {
		return nil, fmt.Errorf("monitor: payload length %d does not match %dx%d RGBA", pixLen, width, height)
	}
	pix := make([]byte, pixLen)
	if _, err := io.ReadFull(vr, pix); err != nil {
		return nil, fmt.Errorf("monitor: read payload: %w", err)
	}

	return &FrameRecord{
		Source: media.SourceKey(key),
		Width:  int(width),
		Height: int(height),
		PTS:    time.Duration(pts),
		Pix:    pix,
	}, nil
}
