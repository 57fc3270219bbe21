// Package worker runs the embedding oracle as a child process and speaks a
// length-prefixed binary protocol with it.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
	"github.com/disintegration/imaging"
)

// DefaultCommand starts the bundled Python oracle.
var DefaultCommand = []string{"python3", "-u", "python/worker.py"}

const (
	statusOK    = 0
	statusError = 1
)

// RemoteError is an error reported by the oracle process itself. The process
// is still healthy after sending one.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return "oracle worker error: " + e.Msg
}

// Worker owns one oracle process. Requests go to its stdin, responses come
// back on a dedicated pipe (FD 3 in the child) so stray prints on stdout
// never corrupt the stream. A Worker handles one request at a time.
type Worker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// New starts the oracle process. An empty command means DefaultCommand.
func New(id int, command []string) (*Worker, error) {
	if len(command) == 0 {
		command = DefaultCommand
	}
	proc := utils.NewSafeCommand(command[0], command[1:]...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Worker{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
func (w *Worker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // a crashed child surfaces here as EOF
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// DetectAndEmbed sends img as PNG and decodes the faces in the reply. A
// deadline on ctx becomes a read deadline on the response pipe.
func (w *Worker) DetectAndEmbed(ctx context.Context, img image.Image) ([]types.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, &types.OracleError{Err: fmt.Errorf("encode png: %w", err)}
	}

	if d, ok := w.DataPipe.(deadliner); ok {
		deadline, _ := ctx.Deadline() // zero time clears any previous deadline
		_ = d.SetReadDeadline(deadline)
	}

	resp, err := w.Communicate(buf.Bytes())
	if err != nil {
		return nil, &types.OracleError{Err: fmt.Errorf("worker %d: %w", w.ID, err)}
	}
	faces, err := ParseResponse(resp)
	if err != nil {
		return nil, &types.OracleError{Err: err}
	}
	return faces, nil
}

// ParseResponse decodes a response body:
//
//	0x00 | uint32 n | n * (int32 top, left, bottom, right | uint32 dim | dim * float32)
//	0x01 | uint32 msgLen | msg
//
// All integers are big endian.
func ParseResponse(body []byte) ([]types.Face, error) {
	if len(body) == 0 {
		return nil, errors.New("empty response")
	}
	r := bytes.NewReader(body[1:])

	switch body[0] {
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("read error length: %w", err)
		}
		if int64(msgLen) > int64(r.Len()) {
			return nil, fmt.Errorf("error message truncated: want %d bytes, have %d", msgLen, r.Len())
		}
		msg := make([]byte, msgLen)
		io.ReadFull(r, msg)
		return nil, &RemoteError{Msg: string(msg)}

	case statusOK:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("read face count: %w", err)
		}
		faces := make([]types.Face, 0, min(int(n), 64))
		for i := uint32(0); i < n; i++ {
			var box [4]int32
			if err := binary.Read(r, binary.BigEndian, &box); err != nil {
				return nil, fmt.Errorf("face %d: read box: %w", i, err)
			}
			var dim uint32
			if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
				return nil, fmt.Errorf("face %d: read dim: %w", i, err)
			}
			if int64(dim)*4 > int64(r.Len()) {
				return nil, fmt.Errorf("face %d: embedding truncated: dim %d, %d bytes left", i, dim, r.Len())
			}
			vec := make(types.Embedding, dim)
			if err := binary.Read(r, binary.BigEndian, []float32(vec)); err != nil {
				return nil, fmt.Errorf("face %d: read embedding: %w", i, err)
			}
			faces = append(faces, types.Face{
				Region:    types.Region{Top: int(box[0]), Left: int(box[1]), Bottom: int(box[2]), Right: int(box[3])},
				Embedding: vec,
			})
		}
		return faces, nil

	default:
		return nil, fmt.Errorf("unknown response status 0x%02x", body[0])
	}
}

// Close shuts the process down and waits for it to exit.
func (w *Worker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

// CrashLog returns what the process wrote to stderr. Only call after Close.
func (w *Worker) CrashLog() string {
	if w.Cmd == nil || w.Cmd.Stderr == nil {
		return ""
	}
	return w.Cmd.Stderr.String()
}
