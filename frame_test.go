package edk

import "testing"

func TestFrameHeader_RoundTrip(t *testing.T) {
	b := encodeFrameHeader(123456789, 42, 3)
	routeID, payloadLen, numHandles, err := decodeFrameHeader(b)
	if err != nil {
		t.Fatalf("decodeFrameHeader: %v", err)
	}
	if routeID != 123456789 || payloadLen != 42 || numHandles != 3 {
		t.Fatalf("decodeFrameHeader: got (%d, %d, %d)", routeID, payloadLen, numHandles)
	}
}

func TestFrameHeader_TooShort(t *testing.T) {
	_, _, _, err := decodeFrameHeader(make([]byte, frameHeaderSize-1))
	if err != ErrShortControlFrame {
		t.Fatalf("decodeFrameHeader short buffer: got %v, want ErrShortControlFrame", err)
	}
}

func TestRouteClosed_RoundTrip(t *testing.T) {
	b := encodeRouteClosed(9876543210)
	pipeID, err := decodeRouteClosed(b)
	if err != nil {
		t.Fatalf("decodeRouteClosed: %v", err)
	}
	if pipeID != 9876543210 {
		t.Fatalf("decodeRouteClosed: got %d, want 9876543210", pipeID)
	}
}

func TestRouteClosed_WrongLength(t *testing.T) {
	_, err := decodeRouteClosed([]byte{controlOpRouteClosed, 1, 2, 3})
	if err == nil {
		t.Fatal("decodeRouteClosed accepted a short payload")
	}
}

func TestRouteClosed_UnknownOpcode(t *testing.T) {
	b := encodeRouteClosed(1)
	b[0] = 0xFF
	_, err := decodeRouteClosed(b)
	if err == nil {
		t.Fatal("decodeRouteClosed accepted an unknown opcode")
	}
}
