package wsdeflate

import (
	"bytes"
	"errors"
	"io"

	"github.com/gbdevw/wsproto/wsengine"
	"github.com/gbdevw/wsproto/wsframe"
	"github.com/klauspost/compress/flate"
)

// Appended to compressed messages before decompression: the sync flush marker removed by the
// sender followed by an empty final stored block so the decompressor reports io.EOF.
var deflateTail = []byte{0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff}

// Error returned when a closed stream is used.
var errClosed = errors.New("deflate stream is closed")

/*************************************************************************************************/
/* DECOMPRESSION                                                                                 */
/*************************************************************************************************/

// Decompresses a received message.
type decompressingReader struct {
	// Compressed message
	wsengine.MessageReader
	// Parent extension
	ext *Extension
	// Decompressor. Nil once returned to the pool.
	fr io.ReadCloser
	// Error which has failed the reader
	err error
}

func newDecompressingReader(ext *Extension, reader wsengine.MessageReader) *decompressingReader {
	src := io.MultiReader(reader, bytes.NewReader(deflateTail))
	fr, ok := ext.readers.Get().(io.ReadCloser)
	if ok {
		// Resetting a pooled decompressor does not fail
		fr.(flate.Resetter).Reset(src, nil)
	} else {
		fr = flate.NewReader(src)
	}
	return &decompressingReader{MessageReader: reader, ext: ext, fr: fr}
}

// Flags returns the flags of the message without RSV1: the stream is decompressed.
func (r *decompressingReader) Flags() wsframe.ExtensionFlags {
	return r.MessageReader.Flags() &^ wsframe.Rsv1
}

// # Description
//
// Read decompressed bytes. A corrupt or truncated compressed stream is reported with a
// wsengine.PayloadError so the connection fails with InvalidFramePayloadData.
func (r *decompressingReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.fr == nil {
		return 0, io.EOF
	}
	n, err := r.fr.Read(p)
	switch {
	case err == nil:
		return n, nil
	case err == io.EOF:
		// The compressed message has been entirely consumed
		r.release()
		return n, io.EOF
	case err == io.ErrUnexpectedEOF:
		r.err = wsengine.PayloadError{Reason: "truncated compressed message", Err: err}
	case errors.As(err, new(flate.CorruptInputError)):
		r.err = wsengine.PayloadError{Reason: "corrupt compressed message", Err: err}
	default:
		r.err = err
	}
	r.release()
	return n, r.err
}

// Close releases the decompressor and discards the unread part of the compressed message.
func (r *decompressingReader) Close() error {
	r.release()
	return r.MessageReader.Close()
}

func (r *decompressingReader) release() {
	if r.fr != nil {
		r.fr.Close()
		r.ext.readers.Put(r.fr)
		r.fr = nil
	}
}

/*************************************************************************************************/
/* COMPRESSION                                                                                   */
/*************************************************************************************************/

// Compresses a message to send.
type compressingWriter struct {
	// Compressed message
	wsengine.MessageWriter
	// Parent extension
	ext *Extension
	// Compressor. Nil once returned to the pool.
	fw *flate.Writer
	// Error which has failed the writer
	err error
}

func newCompressingWriter(ext *Extension, writer wsengine.MessageWriter) *compressingWriter {
	w := &compressingWriter{MessageWriter: writer, ext: ext}
	w.err = writer.SetFlags(writer.Flags() | wsframe.Rsv1)
	w.fw = ext.getWriter(&tailTrimmer{w: writer})
	return w
}

// SetFlags sets additional reserved bits. RSV1 is always kept.
func (w *compressingWriter) SetFlags(flags wsframe.ExtensionFlags) error {
	return w.MessageWriter.SetFlags(flags | wsframe.Rsv1)
}

func (w *compressingWriter) Write(p []byte) (int, error) {
	if w.fw == nil {
		return 0, errClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.fw.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}

// Close flushes the compressor, drops the trailing sync flush marker and sends the final frame.
func (w *compressingWriter) Close() error {
	if w.fw == nil {
		return nil
	}
	err := w.err
	if err == nil {
		err = w.fw.Flush()
	}
	w.fw.Reset(io.Discard)
	w.ext.putWriter(w.fw)
	w.fw = nil
	closeErr := w.MessageWriter.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Writer which forwards all bytes but the last four: the sync flush marker (00 00 ff ff) that
// terminates each compressed message is not sent.
type tailTrimmer struct {
	w    io.Writer
	tail [4]byte
	n    int
}

func (t *tailTrimmer) Write(p []byte) (int, error) {
	total := len(p)
	if excess := t.n + len(p) - len(t.tail); excess > 0 {
		// Held bytes which are no longer part of the tail
		fromTail := excess
		if fromTail > t.n {
			fromTail = t.n
		}
		if fromTail > 0 {
			if _, err := t.w.Write(t.tail[:fromTail]); err != nil {
				return 0, err
			}
			copy(t.tail[:], t.tail[fromTail:t.n])
			t.n -= fromTail
		}
		if fromP := t.n + len(p) - len(t.tail); fromP > 0 {
			if _, err := t.w.Write(p[:fromP]); err != nil {
				return 0, err
			}
			p = p[fromP:]
		}
	}
	t.n += copy(t.tail[t.n:], p)
	return total, nil
}
