package h264

import (
	"bytes"
	"testing"

	"github.com/posefit/posture-capture/capture-server/pkg/types"
)

var (
	testSPS = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1F}
	testPPS = []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x3C, 0x80}
	testIDR = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00}
	testP   = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x02, 0x00}
)

func concat(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, u...)
	}
	return out
}

func TestScanMarksIDR(t *testing.T) {
	insp := NewInspector()

	idr := &types.EncodedFrame{Data: concat(testSPS, testPPS, testIDR)}
	insp.Scan(idr)
	if !idr.IsIDR {
		t.Error("IDR access unit not marked")
	}

	p := &types.EncodedFrame{Data: append([]byte(nil), testP...)}
	insp.Scan(p)
	if p.IsIDR {
		t.Error("P frame marked as IDR")
	}
}

func TestScanCachesHeaders(t *testing.T) {
	insp := NewInspector()
	if insp.HasHeaders() {
		t.Fatal("fresh inspector reports headers")
	}

	insp.Scan(&types.EncodedFrame{Data: append([]byte(nil), testSPS...)})
	if insp.HasHeaders() {
		t.Error("SPS alone should not complete the headers")
	}

	insp.Scan(&types.EncodedFrame{Data: append([]byte(nil), testPPS...)})
	if !insp.HasHeaders() {
		t.Error("headers not cached after SPS and PPS")
	}
}

func TestWithHeadersPrepends(t *testing.T) {
	insp := NewInspector()

	// Without cached headers the data passes through unchanged.
	if got := insp.WithHeaders(testIDR); !bytes.Equal(got, testIDR) {
		t.Errorf("WithHeaders without cache = % X, want input", got)
	}

	insp.Scan(&types.EncodedFrame{Data: concat(testSPS, testPPS)})
	got := insp.WithHeaders(testIDR)
	want := concat(testSPS, testPPS, testIDR)
	if !bytes.Equal(got, want) {
		t.Errorf("WithHeaders = % X, want % X", got, want)
	}
}

func TestScanThreeByteStartCode(t *testing.T) {
	insp := NewInspector()

	short := []byte{0x00, 0x00, 0x01, 0x65, 0x88}
	frame := &types.EncodedFrame{Data: short}
	insp.Scan(frame)
	if !frame.IsIDR {
		t.Error("IDR with 3-byte start code not marked")
	}
}
