package providers

import "testing"

func feedAll(t *testing.T, s *frameScanner, chunks []string) []rawFrame {
	t.Helper()
	var got []rawFrame
	for _, c := range chunks {
		got = append(got, s.Feed([]byte(c))...)
	}
	return got
}

func TestFrameScannerLF(t *testing.T) {
	s := &frameScanner{}
	frames := feedAll(t, s, []string{"event: text\ndata: hello\n\n"})
	if len(frames) != 1 || frames[0].event != "text" || frames[0].data != "hello" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestFrameScannerCRLF(t *testing.T) {
	s := &frameScanner{}
	frames := feedAll(t, s, []string{"event: text\r\ndata: hello\r\n\r\n"})
	if len(frames) != 1 || frames[0].event != "text" || frames[0].data != "hello" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestFrameScannerLoneCR(t *testing.T) {
	s := &frameScanner{}
	frames := feedAll(t, s, []string{"event: text\rdata: hello\r\r"})
	if len(frames) != 1 || frames[0].event != "text" || frames[0].data != "hello" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestFrameScannerChunkBoundarySplitsLine(t *testing.T) {
	s := &frameScanner{}
	frames := feedAll(t, s, []string{"event: te", "xt\ndata: hel", "lo\n\n"})
	if len(frames) != 1 || frames[0].event != "text" || frames[0].data != "hello" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestFrameScannerChunkBoundarySplitsTerminator(t *testing.T) {
	s := &frameScanner{}
	// CRLF terminator split right between \r and \n across chunks.
	frames := feedAll(t, s, []string{"data: hello\r", "\n\r\n"})
	if len(frames) != 1 || frames[0].data != "hello" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestFrameScannerMultipleDataLines(t *testing.T) {
	s := &frameScanner{}
	frames := feedAll(t, s, []string{"data: line1\ndata: line2\n\n"})
	if len(frames) != 1 || frames[0].data != "line1\nline2" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestFrameScannerIgnoresCommentsAndUnknownFields(t *testing.T) {
	s := &frameScanner{}
	frames := feedAll(t, s, []string{":heartbeat\nid: 5\nretry: 1000\ndata: ok\n\n"})
	if len(frames) != 1 || frames[0].data != "ok" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestFrameScannerMultipleFramesOneChunk(t *testing.T) {
	s := &frameScanner{}
	frames := feedAll(t, s, []string{"data: one\n\ndata: two\n\n"})
	if len(frames) != 2 || frames[0].data != "one" || frames[1].data != "two" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestFrameScannerDiscardsTrailingIncompleteFrame(t *testing.T) {
	s := &frameScanner{}
	frames := feedAll(t, s, []string{"data: complete\n\ndata: partial"})
	if len(frames) != 1 || frames[0].data != "complete" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}
