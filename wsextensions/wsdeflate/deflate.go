// The package implements the permessage-deflate extension (RFC 7692) for the server side of a
// connection. Messages are compressed and decompressed independently: context takeover is
// disabled in both directions.
package wsdeflate

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gbdevw/wsproto/wsengine"
	"github.com/gbdevw/wsproto/wsframe"
	"github.com/klauspost/compress/flate"
	"go.uber.org/zap"
)

// Extension token
const ExtensionName = "permessage-deflate"

// Extension parameters
const (
	paramServerNoContextTakeover = "server_no_context_takeover"
	paramClientNoContextTakeover = "client_no_context_takeover"
	paramServerMaxWindowBits     = "server_max_window_bits"
	paramClientMaxWindowBits     = "client_max_window_bits"
)

// Window size used by the compressor (32KB)
const serverWindowBits = 15

// permessage-deflate extension. It is safe to share an Extension between connections.
type Extension struct {
	// Compression level
	level int
	// Compressors, reused across messages and connections
	writers sync.Pool
	// Decompressors, reused across messages and connections
	readers sync.Pool
	// Logger
	logger *zap.Logger
}

// # Description
//
// Factory which creates a new permessage-deflate extension.
//
// # Inputs
//
//   - level: Compression level, from flate.HuffmanOnly (-2) to flate.BestCompression (9).
//     flate.DefaultCompression (-1) is a good default.
//   - logger: Logger to use. If nil, a no-op logger is used.
//
// # Return
//
// The extension or an error if the compression level is invalid.
func NewExtension(level int, logger *zap.Logger) (*Extension, error) {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		return nil, fmt.Errorf("invalid compression level %d", level)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extension{level: level, logger: logger}, nil
}

// Name returns permessage-deflate.
func (ext *Extension) Name() string {
	return ExtensionName
}

// # Description
//
// Evaluate a permessage-deflate offer. Offers are accepted unless they contain unknown or
// duplicated parameters, invalid window sizes or require the server to use a window smaller than
// 32KB. The response always disables context takeover in both directions.
func (ext *Extension) Negotiate(offer wsengine.ExtensionOffer) (wsengine.ExtensionOffer, wsengine.ExtensionContext, bool) {
	seen := map[string]bool{}
	for _, opt := range offer.Options {
		name := strings.ToLower(opt.Name)
		if seen[name] {
			ext.logger.Debug("duplicated parameter in offer", zap.String("parameter", opt.Name))
			return wsengine.ExtensionOffer{}, nil, false
		}
		seen[name] = true
		switch name {
		case paramServerNoContextTakeover, paramClientNoContextTakeover:
			if opt.HasValue {
				return wsengine.ExtensionOffer{}, nil, false
			}
		case paramServerMaxWindowBits:
			bits, ok := windowBits(opt)
			if !ok || bits < serverWindowBits {
				ext.logger.Debug("offer declined: reduced server window", zap.String("offer", offer.String()))
				return wsengine.ExtensionOffer{}, nil, false
			}
		case paramClientMaxWindowBits:
			// Decompression always uses a 32KB window
			if opt.HasValue {
				if _, ok := windowBits(opt); !ok {
					return wsengine.ExtensionOffer{}, nil, false
				}
			}
		default:
			ext.logger.Debug("offer declined: unknown parameter", zap.String("parameter", opt.Name))
			return wsengine.ExtensionOffer{}, nil, false
		}
	}
	response := wsengine.ExtensionOffer{
		Name: ExtensionName,
		Options: []wsengine.ExtensionOption{
			{Name: paramServerNoContextTakeover},
			{Name: paramClientNoContextTakeover},
		},
	}
	return response, &deflateContext{ext: ext}, true
}

// Parse a window bits value (8 - 15)
func windowBits(opt wsengine.ExtensionOption) (int, bool) {
	if !opt.HasValue {
		return 0, false
	}
	bits, err := strconv.Atoi(opt.Value)
	if err != nil || bits < 8 || bits > 15 {
		return 0, false
	}
	return bits, true
}

/*************************************************************************************************/
/* CONNECTION CONTEXT                                                                            */
/*************************************************************************************************/

// Per-connection state of the extension.
type deflateContext struct {
	ext *Extension
}

// Compressed messages have RSV1 set on their first frame.
func (ctx *deflateContext) Flags() wsframe.ExtensionFlags {
	return wsframe.Rsv1
}

// Messages with RSV1 set are decompressed. Others are returned as is.
func (ctx *deflateContext) WrapReader(reader wsengine.MessageReader) wsengine.MessageReader {
	if !reader.Flags().Has(wsframe.Rsv1) {
		return reader
	}
	return newDecompressingReader(ctx.ext, reader)
}

// Every message is compressed.
func (ctx *deflateContext) WrapWriter(writer wsengine.MessageWriter) wsengine.MessageWriter {
	return newCompressingWriter(ctx.ext, writer)
}

func (ext *Extension) getWriter(dst *tailTrimmer) *flate.Writer {
	if fw, ok := ext.writers.Get().(*flate.Writer); ok {
		fw.Reset(dst)
		return fw
	}
	// Level has been validated by the factory
	fw, _ := flate.NewWriter(dst, ext.level)
	return fw
}

func (ext *Extension) putWriter(fw *flate.Writer) {
	ext.writers.Put(fw)
}
