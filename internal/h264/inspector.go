package h264

import (
	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

// NAL unit types relevant to keyframe gating.
const (
	nalTypeIDR uint8 = 5
	nalTypeSPS uint8 = 7
	nalTypePPS uint8 = 8
)

// Inspector walks Annex-B access units from the camera's hardware encoder,
// caches the latest SPS/PPS parameter sets, and marks IDR frames. The preview
// server uses it to gate late joiners onto a decodable point in the stream.
type Inspector struct {
	sps        []byte
	pps        []byte
	hasHeaders bool
}

// NewInspector creates an empty inspector.
func NewInspector() *Inspector {
	return &Inspector{}
}

// Scan inspects one access unit in place: caches SPS/PPS when present and
// sets frame.IsIDR. The frame data itself is never modified.
func (p *Inspector) Scan(frame *types.EncodedFrame) {
	data := frame.Data
	offset := 0

	for offset < len(data) {
		startCodeLen := startCodeAt(data, offset)
		if startCodeLen == 0 {
			offset++
			continue
		}

		nalStart := offset
		headerOffset := offset + startCodeLen
		if headerOffset >= len(data) {
			break
		}

		nalType := data[headerOffset] & 0x1F
		nalEnd := nextStartCode(data, headerOffset+1)
		if nalEnd == -1 {
			nalEnd = len(data)
		}

		switch nalType {
		case nalTypeSPS:
			p.sps = append([]byte(nil), data[nalStart:nalEnd]...)
		case nalTypePPS:
			p.pps = append([]byte(nil), data[nalStart:nalEnd]...)
			if len(p.sps) > 0 {
				p.hasHeaders = true
			}
		case nalTypeIDR:
			frame.IsIDR = true
		}

		offset = nalEnd
	}
}

// HasHeaders reports whether SPS and PPS parameter sets are cached.
func (p *Inspector) HasHeaders() bool {
	return p.hasHeaders
}

// WithHeaders returns the access unit with cached SPS/PPS prepended, so a
// stream joined mid-GOP is decodable from its first IDR. Returns the data
// unchanged when no headers are cached.
func (p *Inspector) WithHeaders(data []byte) []byte {
	if !p.hasHeaders {
		return data
	}

	out := make([]byte, 0, len(p.sps)+len(p.pps)+len(data))
	out = append(out, p.sps...)
	out = append(out, p.pps...)
	out = append(out, data...)
	return out
}

// startCodeAt returns the length of the Annex-B start code at offset (3 or
// 4), or 0 if there is none.
func startCodeAt(data []byte, offset int) int {
	if offset+4 <= len(data) && data[offset] == 0 && data[offset+1] == 0 && data[offset+2] == 0 && data[offset+3] == 1 {
		return 4
	}
	if offset+3 <= len(data) && data[offset] == 0 && data[offset+1] == 0 && data[offset+2] == 1 {
		return 3
	}
	return 0
}

// nextStartCode finds the next start code position at or after offset, or -1.
func nextStartCode(data []byte, offset int) int {
	for i := offset; i < len(data)-2; i++ {
		if data[i] == 0x00 && data[i+1] == 0x00 {
			if data[i+2] == 0x01 {
				return i
			}
			if i+3 < len(data) && data[i+2] == 0x00 && data[i+3] == 0x01 {
				return i
			}
		}
	}
	return -1
}
