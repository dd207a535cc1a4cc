package remote

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"testing/iotest"
)

func TestEncodeMessage(t *testing.T) {
	buf, err := EncodeMessage("hello")
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	if string(buf) != "0000000005hello" {
		t.Errorf("encoded = %q, want %q", buf, "0000000005hello")
	}
}

func TestEncodeMessage_Empty(t *testing.T) {
	buf, err := EncodeMessage("")
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	if string(buf) != "0000000000" {
		t.Errorf("encoded = %q, want ten zeros", buf)
	}
}

func TestMessage_RoundTrip(t *testing.T) {
	bodies := []string{
		"",
		"list",
		"dir c:/users",
		"Function list: \ndel\ndir\n",
		"héllo wörld ✓",
		strings.Repeat("x", 5000),
	}

	var stream bytes.Buffer
	for _, body := range bodies {
		if err := WriteMessage(&stream, body); err != nil {
			t.Fatalf("WriteMessage(%q) failed: %v", body, err)
		}
	}

	for _, want := range bodies {
		got, err := ReadMessage(&stream, 0)
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("round trip = %q, want %q", got, want)
		}
	}
}

func TestReadMessage_OneByteReader(t *testing.T) {
	buf, _ := EncodeMessage("fragmented body")

	got, err := ReadMessage(iotest.OneByteReader(bytes.NewReader(buf)), 0)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(got) != "fragmented body" {
		t.Errorf("got %q", got)
	}
}

func TestReadMessage_Disconnect(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil), 0)

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %v", err)
	}
	if frameErr.Kind != FrameErrorDisconnect {
		t.Errorf("kind = %v, want disconnect", frameErr.Kind)
	}
	if !errors.Is(err, ErrNoMessage) {
		t.Error("expected error to wrap ErrNoMessage")
	}
	if !IsDisconnect(err) {
		t.Error("IsDisconnect = false, want true")
	}
}

func TestReadMessage_ShortHeader(t *testing.T) {
	_, err := ReadMessage(strings.NewReader("00000"), 0)

	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorPartial {
		t.Fatalf("expected partial frame error, got %v", err)
	}
}

func TestReadMessage_ShortBody(t *testing.T) {
	_, err := ReadMessage(strings.NewReader("0000000010abc"), 0)

	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorPartial {
		t.Fatalf("expected partial frame error, got %v", err)
	}
	if !IsDisconnect(err) {
		t.Error("a stream ending mid-body should count as a disconnect")
	}
}

func TestReadMessage_MalformedHeader(t *testing.T) {
	_, err := ReadMessage(strings.NewReader("hello worldxxxx"), 0)

	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorMalformed {
		t.Fatalf("expected malformed frame error, got %v", err)
	}
	if IsDisconnect(err) {
		t.Error("malformed header must be distinguishable from a disconnect")
	}
}

func TestReadMessage_NegativeHeader(t *testing.T) {
	_, err := ReadMessage(strings.NewReader("-000000001"), 0)

	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorMalformed {
		t.Fatalf("expected malformed frame error, got %v", err)
	}
}

func TestReadMessage_HugeHeaderThenEOF(t *testing.T) {
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	_, err := ReadMessage(strings.NewReader("9999999999"), 0)

	runtime.ReadMemStats(&after)

	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorPartial {
		t.Fatalf("expected partial frame error, got %v", err)
	}
	if allocated := after.TotalAlloc - before.TotalAlloc; allocated > 1<<20 {
		t.Errorf("allocated %d bytes for an empty body", allocated)
	}
}

func TestReadMessage_TooLarge(t *testing.T) {
	buf, _ := EncodeMessage("this body is too long")

	_, err := ReadMessage(bytes.NewReader(buf), 8)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("expected too_large kind, got %v", err)
	}
}

func TestEncodeLength_Overflow(t *testing.T) {
	if _, err := encodeLength(MaxBodyLength); err != nil {
		t.Errorf("MaxBodyLength should be encodable: %v", err)
	}
	if _, err := encodeLength(MaxBodyLength + 1); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
	if _, err := encodeLength(-1); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge for negative length, got %v", err)
	}
}

func TestEncodeFileHeader(t *testing.T) {
	buf, err := EncodeFileHeader(FileHeader{Size: 42, Name: "shot.png"})
	if err != nil {
		t.Fatalf("EncodeFileHeader failed: %v", err)
	}
	want := "0000000042" + "            shot.png"
	if string(buf) != want {
		t.Errorf("header = %q, want %q", buf, want)
	}
	if len(buf) != HeaderWidth+NameWidth {
		t.Errorf("header length = %d, want %d", len(buf), HeaderWidth+NameWidth)
	}
}

func TestEncodeFileHeader_NameBoundary(t *testing.T) {
	exact := strings.Repeat("a", NameWidth)
	if _, err := EncodeFileHeader(FileHeader{Size: 1, Name: exact}); err != nil {
		t.Errorf("name of exactly %d bytes should be accepted: %v", NameWidth, err)
	}

	long := strings.Repeat("a", NameWidth+1)
	if _, err := EncodeFileHeader(FileHeader{Size: 1, Name: long}); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("expected ErrNameTooLong, got %v", err)
	}
}

func TestEncodeFileHeader_InvalidName(t *testing.T) {
	for _, name := range []string{"", " padded", "padded "} {
		if _, err := EncodeFileHeader(FileHeader{Size: 1, Name: name}); err == nil {
			t.Errorf("expected error for name %q", name)
		}
	}
}

func TestReadFileHeader_ReducesToBaseName(t *testing.T) {
	for name, want := range map[string]string{
		"sub/a.txt":     "a.txt",
		"../etc/passwd": "passwd",
		`..\a.txt`:      "a.txt",
		"/abs/b.png":    "b.png",
	} {
		field := "0000000001" + strings.Repeat(" ", NameWidth-len(name)) + name
		h, err := ReadFileHeader(strings.NewReader(field))
		if err != nil {
			t.Errorf("name %q: ReadFileHeader failed: %v", name, err)
			continue
		}
		if h.Name != want {
			t.Errorf("name %q reduced to %q, want %q", name, h.Name, want)
		}
	}
}

func TestReadFileHeader_InvalidName(t *testing.T) {
	for _, name := range []string{"..", "a/..", "/", "                    "} {
		field := "0000000007" + strings.Repeat(" ", NameWidth-len(name)) + name
		h, err := ReadFileHeader(strings.NewReader(field))
		if !errors.Is(err, ErrInvalidFileName) {
			t.Errorf("name %q: expected ErrInvalidFileName, got %v", name, err)
		}
		if IsFrameError(err) {
			t.Errorf("name %q: invalid name must not be a frame error", name)
		}
		if h.Size != 7 {
			t.Errorf("name %q: size = %d, want 7", name, h.Size)
		}
	}
}

func TestReadFileFrame_InvalidNameKeepsStreamAligned(t *testing.T) {
	var stream bytes.Buffer
	stream.WriteString("0000000003" + strings.Repeat(" ", NameWidth-2) + "..")
	stream.WriteString("abc")
	msg, _ := EncodeMessage("next")
	stream.Write(msg)

	dir := t.TempDir()
	if _, err := ReadFileFrame(&stream, dir, 0); !errors.Is(err, ErrInvalidFileName) {
		t.Fatalf("expected ErrInvalidFileName, got %v", err)
	}

	body, err := ReadMessage(&stream, 0)
	if err != nil {
		t.Fatalf("ReadMessage after skipped file failed: %v", err)
	}
	if string(body) != "next" {
		t.Errorf("body = %q, want next", body)
	}
}

func TestReadFileFrame_PathBearingName(t *testing.T) {
	stream := strings.NewReader("0000000003" + strings.Repeat(" ", NameWidth-9) + "sub/a.txt" + "abc")

	dir := t.TempDir()
	path, err := ReadFileFrame(stream, dir, 0)
	if err != nil {
		t.Fatalf("ReadFileFrame failed: %v", err)
	}
	if path != filepath.Join(dir, "a.txt") {
		t.Errorf("path = %q, want %q", path, filepath.Join(dir, "a.txt"))
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "abc" {
		t.Errorf("content = %q, %v", data, err)
	}
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

func TestFileFrame_RoundTrip(t *testing.T) {
	payloads := map[string][]byte{
		"empty.txt":            {},
		"small.txt":            []byte("hello"),
		"exactchunk.bin":       bytes.Repeat([]byte{0xAB}, ChunkSize),
		"multichunk.bin":       bytes.Repeat([]byte("0123456789"), 1000),
		"twenty_chars_name.md": []byte("name fills the field"),
	}

	for name, data := range payloads {
		src := writeTempFile(t, name, data)

		var stream bytes.Buffer
		if err := WriteFileFrame(&stream, src, 0); err != nil {
			t.Fatalf("%s: WriteFileFrame failed: %v", name, err)
		}

		dir := filepath.Join(t.TempDir(), "send")
		path, err := ReadFileFrame(iotest.HalfReader(&stream), dir, 0)
		if err != nil {
			t.Fatalf("%s: ReadFileFrame failed: %v", name, err)
		}
		if path != filepath.Join(dir, name) {
			t.Errorf("%s: path = %q, want %q", name, path, filepath.Join(dir, name))
		}

		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("%s: read back failed: %v", name, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: content mismatch (%d bytes vs %d)", name, len(got), len(data))
		}
		if stream.Len() != 0 {
			t.Errorf("%s: %d bytes left on the stream", name, stream.Len())
		}
	}
}

func TestFileFrame_FollowedByMessage(t *testing.T) {
	src := writeTempFile(t, "a.txt", []byte("payload"))

	var stream bytes.Buffer
	_ = WriteMessage(&stream, SentinelSend)
	_ = WriteFileFrame(&stream, src, 3)
	_ = WriteMessage(&stream, "next")

	body, err := ReadMessage(&stream, 0)
	if err != nil || string(body) != SentinelSend {
		t.Fatalf("sentinel = %q, %v", body, err)
	}
	if _, err := ReadFileFrame(&stream, t.TempDir(), 3); err != nil {
		t.Fatalf("ReadFileFrame failed: %v", err)
	}
	body, err = ReadMessage(&stream, 0)
	if err != nil || string(body) != "next" {
		t.Fatalf("next message = %q, %v", body, err)
	}
}

func TestWriteFileFrame_Missing(t *testing.T) {
	var stream bytes.Buffer
	err := WriteFileFrame(&stream, filepath.Join(t.TempDir(), "nope"), 0)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if IsFrameError(err) {
		t.Error("missing source file is a local error, not a frame error")
	}
	if stream.Len() != 0 {
		t.Error("nothing should be written when the file cannot be opened")
	}
}

func TestWriteFileFrame_NameTooLong(t *testing.T) {
	src := writeTempFile(t, strings.Repeat("n", NameWidth+1), []byte("x"))

	var stream bytes.Buffer
	err := WriteFileFrame(&stream, src, 0)
	if !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("expected ErrNameTooLong, got %v", err)
	}
	if stream.Len() != 0 {
		t.Error("nothing should be written for a rejected name")
	}
}

func TestReadFileFrame_Truncated(t *testing.T) {
	src := writeTempFile(t, "big.bin", bytes.Repeat([]byte("z"), 3000))

	var stream bytes.Buffer
	_ = WriteFileFrame(&stream, src, 0)
	truncated := io.LimitReader(&stream, int64(HeaderWidth+NameWidth+1500))

	dir := t.TempDir()
	_, err := ReadFileFrame(truncated, dir, 0)
	if !IsDisconnect(err) {
		t.Fatalf("expected disconnect-class frame error, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "big.bin")); !os.IsNotExist(statErr) {
		t.Error("partial file should be removed")
	}
}

func TestReadFileFrame_LocalFailureKeepsStreamAligned(t *testing.T) {
	src := writeTempFile(t, "a.txt", []byte("content"))

	var stream bytes.Buffer
	_ = WriteFileFrame(&stream, src, 0)
	_ = WriteMessage(&stream, "after")

	// A regular file where the destination folder should be.
	blocker := writeTempFile(t, "blocker", []byte("x"))

	_, err := ReadFileFrame(&stream, blocker, 0)
	if err == nil {
		t.Fatal("expected error creating destination")
	}
	if IsFrameError(err) {
		t.Errorf("local failure should not be a frame error: %v", err)
	}

	body, err := ReadMessage(&stream, 0)
	if err != nil || string(body) != "after" {
		t.Fatalf("stream not aligned: %q, %v", body, err)
	}
}

func TestFrameErrorKind_String(t *testing.T) {
	kinds := map[FrameErrorKind]string{
		FrameErrorDisconnect: "disconnect",
		FrameErrorPartial:    "partial",
		FrameErrorMalformed:  "malformed",
		FrameErrorTooLarge:   "too_large",
		FrameErrorIO:         "io",
		FrameErrorKind(99):   "unknown",
	}
	for kind, want := range kinds {
		if kind.String() != want {
			t.Errorf("%d.String() = %q, want %q", kind, kind.String(), want)
		}
	}
}

func TestStatFile(t *testing.T) {
	path := writeTempFile(t, "report.txt", []byte("12345"))

	h, err := StatFile(path)
	if err != nil {
		t.Fatalf("StatFile failed: %v", err)
	}
	if h.Size != 5 || h.Name != "report.txt" {
		t.Errorf("header = %+v", h)
	}

	if _, err := StatFile(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
	if _, err := StatFile(t.TempDir()); err == nil {
		t.Error("expected error for a directory")
	}

	long := writeTempFile(t, "a-name-well-beyond-twenty.txt", []byte("x"))
	if _, err := StatFile(long); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("expected ErrNameTooLong, got %v", err)
	}
}
