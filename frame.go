package remote

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Wire format constants.
const (
	// HeaderWidth is the width of the zero-padded decimal length header
	// that prefixes every message and every file transfer.
	HeaderWidth = 10
	// NameWidth is the width of the space-padded file name header.
	NameWidth = 20
	// ChunkSize is the default size of a single file chunk.
	ChunkSize = 1024
	// MaxBodyLength is the largest length a HeaderWidth decimal field can carry.
	MaxBodyLength int64 = 9_999_999_999
)

// Errors returned by the framing layer.
var (
	// ErrNoMessage is returned when the peer closed the stream before a frame began.
	ErrNoMessage = errors.New("no message")
	// ErrMessageTooLarge is returned when a length does not fit the header or
	// exceeds the configured receive limit.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrNameTooLong is returned when a file name does not fit NameWidth bytes.
	ErrNameTooLong = errors.New("file name too long")
	// ErrInvalidFileName is returned when a received file name has no base name.
	ErrInvalidFileName = errors.New("invalid file name")
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorDisconnect indicates the peer closed the stream between frames.
	FrameErrorDisconnect FrameErrorKind = iota
	// FrameErrorPartial indicates the stream ended or failed inside a frame.
	FrameErrorPartial
	// FrameErrorMalformed indicates a header that is not a valid field.
	FrameErrorMalformed
	// FrameErrorTooLarge indicates a length above the accepted maximum.
	FrameErrorTooLarge
	// FrameErrorIO indicates the underlying stream failed.
	FrameErrorIO
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameErrorDisconnect:
		return "disconnect"
	case FrameErrorPartial:
		return "partial"
	case FrameErrorMalformed:
		return "malformed"
	case FrameErrorTooLarge:
		return "too_large"
	case FrameErrorIO:
		return "io"
	default:
		return "unknown"
	}
}

// FrameError reports a failure on the stream itself. After a FrameError the
// stream is no longer aligned on a frame boundary and must be discarded.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFrameError reports whether err is, or wraps, a *FrameError.
func IsFrameError(err error) bool {
	var frameErr *FrameError
	return errors.As(err, &frameErr)
}

// IsDisconnect reports whether err means the peer is gone: a clean close
// between frames, or a stream that ended or failed mid-frame.
func IsDisconnect(err error) bool {
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		return false
	}
	switch frameErr.Kind {
	case FrameErrorDisconnect, FrameErrorPartial, FrameErrorIO:
		return true
	default:
		return false
	}
}

func encodeLength(n int64) (string, error) {
	if n < 0 || n > MaxBodyLength {
		return "", errors.Wrapf(ErrMessageTooLarge, "length %d does not fit %d digits", n, HeaderWidth)
	}
	return fmt.Sprintf("%0*d", HeaderWidth, n), nil
}

func parseLength(field []byte) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(string(field)), 10, 64)
	if err != nil {
		return 0, &FrameError{Kind: FrameErrorMalformed, Msg: fmt.Sprintf("invalid length header %q", field), Err: err}
	}
	if n < 0 {
		return 0, &FrameError{Kind: FrameErrorMalformed, Msg: fmt.Sprintf("negative length header %q", field)}
	}
	return n, nil
}

// readHeader reads one fixed-width field. A clean EOF before the first byte
// is a disconnect; anything shorter than width afterwards is a partial frame.
func readHeader(r io.Reader, width int, what string) ([]byte, error) {
	buf := make([]byte, width)
	if _, err := io.ReadFull(r, buf); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, &FrameError{Kind: FrameErrorDisconnect, Msg: "peer closed before " + what, Err: ErrNoMessage}
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, &FrameError{Kind: FrameErrorPartial, Msg: "short " + what, Err: err}
		default:
			return nil, &FrameError{Kind: FrameErrorIO, Msg: "failed to read " + what, Err: err}
		}
	}
	return buf, nil
}

// EncodeMessage returns the length header followed by body.
func EncodeMessage(body string) ([]byte, error) {
	header, err := encodeLength(int64(len(body)))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, HeaderWidth+len(body))
	buf = append(buf, header...)
	buf = append(buf, body...)
	return buf, nil
}

// WriteMessage encodes body and writes it to w in a single write.
func WriteMessage(w io.Writer, body string) error {
	buf, err := EncodeMessage(body)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return &FrameError{Kind: FrameErrorIO, Msg: "failed to write message", Err: err}
	}
	return nil
}

// ReadMessage reads one message body from r. Bodies longer than maxLength are
// rejected; maxLength <= 0 means MaxBodyLength.
//
// Errors:
//   - *FrameError with Kind=FrameErrorDisconnect wrapping ErrNoMessage: peer closed
//   - *FrameError with Kind=FrameErrorPartial: stream ended inside the frame
//   - *FrameError with Kind=FrameErrorMalformed: header is not a decimal length
//   - *FrameError with Kind=FrameErrorTooLarge: length exceeds maxLength
func ReadMessage(r io.Reader, maxLength int64) ([]byte, error) {
	header, err := readHeader(r, HeaderWidth, "message header")
	if err != nil {
		return nil, err
	}
	n, err := parseLength(header)
	if err != nil {
		return nil, err
	}
	if maxLength <= 0 {
		maxLength = MaxBodyLength
	}
	if n > maxLength {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("message length %d exceeds maximum %d", n, maxLength),
			Err:  ErrMessageTooLarge,
		}
	}

	// The buffer grows with the bytes actually received, not the declared length.
	var body bytes.Buffer
	if _, err := io.CopyN(&body, r, n); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &FrameError{Kind: FrameErrorPartial, Msg: "short message body", Err: err}
		}
		return nil, &FrameError{Kind: FrameErrorIO, Msg: "failed to read message body", Err: err}
	}
	return body.Bytes(), nil
}

// FileHeader is the metadata preceding a file's bytes on the wire.
type FileHeader struct {
	Size int64
	Name string
}

// EncodeFileHeader returns the size field followed by the name field. The name
// is left-padded with spaces to NameWidth bytes; longer names are rejected.
func EncodeFileHeader(h FileHeader) ([]byte, error) {
	size, err := encodeLength(h.Size)
	if err != nil {
		return nil, err
	}
	if h.Name == "" || strings.TrimSpace(h.Name) != h.Name {
		return nil, errors.Errorf("invalid file name %q", h.Name)
	}
	if len(h.Name) > NameWidth {
		return nil, errors.Wrapf(ErrNameTooLong, "%q is %d bytes, limit %d", h.Name, len(h.Name), NameWidth)
	}
	return []byte(size + fmt.Sprintf("%*s", NameWidth, h.Name)), nil
}

// ReadFileHeader reads and validates a file header from r. The name is trimmed
// of padding and reduced to its base name, so "sub/a.txt" and "..\a.txt"
// both arrive as "a.txt". A name with no base name left yields
// ErrInvalidFileName together with the header's size, so the caller can skip
// the content and keep the stream aligned.
func ReadFileHeader(r io.Reader) (FileHeader, error) {
	sizeField, err := readHeader(r, HeaderWidth, "file size header")
	if err != nil {
		return FileHeader{}, err
	}
	size, err := parseLength(sizeField)
	if err != nil {
		return FileHeader{}, err
	}
	nameField, err := readHeader(r, NameWidth, "file name header")
	if err != nil {
		if frameErr, ok := err.(*FrameError); ok && frameErr.Kind == FrameErrorDisconnect {
			frameErr.Kind = FrameErrorPartial
		}
		return FileHeader{}, err
	}

	name := path.Base(strings.ReplaceAll(strings.TrimSpace(string(nameField)), `\`, "/"))
	if name == "." || name == ".." || name == "/" {
		return FileHeader{Size: size}, errors.Wrapf(ErrInvalidFileName, "name header %q", nameField)
	}
	return FileHeader{Size: size, Name: name}, nil
}

// StatFile returns the header the file at path would be sent with, or the
// error WriteFileFrame would fail with before writing anything.
func StatFile(path string) (FileHeader, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileHeader{}, errors.Wrapf(err, "stat %s", path)
	}
	if !info.Mode().IsRegular() {
		return FileHeader{}, errors.Errorf("%s is not a regular file", path)
	}

	h := FileHeader{Size: info.Size(), Name: filepath.Base(path)}
	if _, err := EncodeFileHeader(h); err != nil {
		return FileHeader{}, err
	}
	return h, nil
}

// WriteFileFrame sends the file at path: size header, name header, then the
// contents in chunks of chunkSize bytes. Errors opening the file are returned
// before anything is written; once the header is out, any failure is a
// *FrameError because the peer is left mid-frame.
func WriteFileFrame(w io.Writer, path string, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", path)
	}
	if !info.Mode().IsRegular() {
		return errors.Errorf("%s is not a regular file", path)
	}

	header, err := EncodeFileHeader(FileHeader{Size: info.Size(), Name: filepath.Base(path)})
	if err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return &FrameError{Kind: FrameErrorIO, Msg: "failed to write file header", Err: err}
	}

	buf := make([]byte, chunkSize)
	for sent := int64(0); sent < info.Size(); {
		chunk := buf
		if remaining := info.Size() - sent; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, err := io.ReadFull(f, chunk)
		if err != nil {
			return &FrameError{Kind: FrameErrorPartial, Msg: fmt.Sprintf("file %s shrank after %d bytes", path, sent+int64(n)), Err: err}
		}
		if _, err := w.Write(chunk); err != nil {
			return &FrameError{Kind: FrameErrorIO, Msg: "failed to write file chunk", Err: err}
		}
		sent += int64(n)
	}
	return nil
}

// ReadFileFrame receives one file from r into dir, creating dir if needed,
// and returns the path of the written file.
//
// Stream failures are returned as *FrameError and any partially written file
// is removed. Local failures (an unusable name, creating or writing the
// destination) drain the remaining content from r so the stream stays
// aligned, and are returned as plain errors.
func ReadFileFrame(r io.Reader, dir string, chunkSize int) (string, error) {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}

	h, err := ReadFileHeader(r)
	if errors.Is(err, ErrInvalidFileName) {
		if derr := discard(r, h.Size); derr != nil {
			return "", derr
		}
		return "", err
	}
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, h.Name)
	f, localErr := createDestination(dir, path)
	if localErr != nil {
		if err := discard(r, h.Size); err != nil {
			return "", err
		}
		return "", localErr
	}

	buf := make([]byte, chunkSize)
	var received int64
	for received < h.Size {
		chunk := buf
		if remaining := h.Size - received; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, err := r.Read(chunk)
		if n > 0 && localErr == nil {
			if _, werr := f.Write(chunk[:n]); werr != nil {
				localErr = errors.Wrapf(werr, "write %s", path)
			}
		}
		received += int64(n)
		if err != nil && received < h.Size {
			f.Close()
			os.Remove(path)
			if errors.Is(err, io.EOF) {
				return "", &FrameError{Kind: FrameErrorPartial, Msg: fmt.Sprintf("file %s ended after %d of %d bytes", h.Name, received, h.Size), Err: io.ErrUnexpectedEOF}
			}
			return "", &FrameError{Kind: FrameErrorIO, Msg: "failed to read file content", Err: err}
		}
	}

	if err := f.Close(); err != nil && localErr == nil {
		localErr = errors.Wrapf(err, "close %s", path)
	}
	if localErr != nil {
		os.Remove(path)
		return "", localErr
	}
	return path, nil
}

func createDestination(dir, path string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create folder %s", dir)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	return f, nil
}

func discard(r io.Reader, n int64) error {
	copied, err := io.CopyN(io.Discard, r, n)
	if err != nil {
		return &FrameError{Kind: FrameErrorPartial, Msg: fmt.Sprintf("stream ended after %d of %d discarded bytes", copied, n), Err: err}
	}
	return nil
}
