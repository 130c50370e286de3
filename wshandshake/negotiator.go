// The package implements the server side of the RFC6455 opening handshake: it reads and validates
// the HTTP upgrade request, negotiates the sub-protocol and the per-message extensions and writes
// the HTTP response. Failures never escape as errors: they are reported in the handshake result.
package wshandshake

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gbdevw/wsproto/wsengine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Outcome of a handshake. It is consumed once to build the connection.
type Result struct {
	// Upgrade request. Nil if the request could not be read.
	Request *http.Request
	// Headers of the response
	ResponseHeader http.Header
	// Negotiated sub-protocol (can be empty)
	SubProtocol string
	// Accepted extensions, in request order
	Extensions []wsengine.NegotiatedExtension
	// True if the upgrade has been accepted
	Valid bool
	// HTTP status of the response: 101 when valid, 400 or 426 otherwise
	Status int
	// HandshakeError describing why the request has been rejected, or the error which prevented
	// the response from being written.
	Err error
}

// Negotiates upgrade requests against the sub-protocols and extensions supported by the server.
type Negotiator struct {
	// Supported sub-protocols, in preference order
	subProtocols []string
	// Supported extensions
	extensions []wsengine.Extension
	// Logger
	logger *zap.Logger
	// Tracer
	tracer trace.Tracer
}

// # Description
//
// Factory which creates a new Negotiator.
//
// # Inputs
//
//   - subProtocols: Sub-protocols supported by the server, in preference order. Can be empty.
//   - extensions: Extensions supported by the server. Can be empty.
//   - logger: Logger to use. If nil, a no-op logger is used.
//   - tracerProvider: OpenTelemetry tracer provider to use. If nil, global TracerProvider is used.
func NewNegotiator(
	subProtocols []string,
	extensions []wsengine.Extension,
	logger *zap.Logger,
	tracerProvider trace.TracerProvider) *Negotiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}
	return &Negotiator{
		subProtocols: append([]string{}, subProtocols...),
		extensions:   append([]wsengine.Extension{}, extensions...),
		logger:       logger,
		tracer:       tracerProvider.Tracer(pkgName, trace.WithInstrumentationVersion(pkgVersion)),
	}
}

// # Description
//
// Read the upgrade request from reader, evaluate it and write the response to writer.
//
// # Inputs
//
//   - ctx: Context used for tracing purpose. Deadlines must be enforced by the caller on the
//     underlying connection.
//   - reader: Buffered reader bound to the connection. Bytes buffered after the request belong to
//     the websocket stream: the same reader must be used to build the transport.
//   - writer: Writer bound to the connection.
//
// # Return
//
// The handshake result. Result.Valid is false if the request has been rejected or if the response
// could not be written. The caller must close the connection in that case.
func (n *Negotiator) Negotiate(ctx context.Context, reader *bufio.Reader, writer io.Writer) *Result {
	ctx, span := n.tracer.Start(ctx, spanNegotiate, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	var result *Result
	req, err := http.ReadRequest(reader)
	if err != nil {
		result = reject(nil, http.StatusBadRequest, "malformed upgrade request", err)
	} else {
		result = n.Evaluate(ctx, req)
	}
	span.SetAttributes(attribute.Int(attrStatus, result.Status))
	if err := WriteResponse(writer, result); err != nil {
		result.Valid = false
		result.Err = err
		handleError(err, span, codes.Error, "failed to write handshake response")
		return result
	}
	if !result.Valid {
		handleError(result.Err, span, codes.Error, "upgrade request rejected")
		return result
	}
	span.SetStatus(codes.Ok, codes.Ok.String())
	return result
}

// # Description
//
// Validate an upgrade request and negotiate the sub-protocol and the extensions. Validation
// requires, case-insensitively: a GET HTTP/1.1 request, a Host, Upgrade: websocket, a Connection
// header containing Upgrade, a non-empty Sec-WebSocket-Key and Sec-WebSocket-Version: 13.
//
// # Return
//
// The handshake result. Nothing is written.
func (n *Negotiator) Evaluate(ctx context.Context, req *http.Request) *Result {
	_, span := n.tracer.Start(ctx, spanEvaluate,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(attrRemoteAddr, req.RemoteAddr)))
	defer span.End()
	result := n.evaluate(span, req)
	span.SetAttributes(attribute.Int(attrStatus, result.Status))
	if !result.Valid {
		handleError(result.Err, span, codes.Error, "upgrade request rejected")
		n.logger.Debug("upgrade request rejected",
			zap.String("remote_addr", req.RemoteAddr),
			zap.Int("status", result.Status),
			zap.Error(result.Err))
		return result
	}
	span.SetAttributes(attribute.String(attrSubProtocol, result.SubProtocol))
	span.SetStatus(codes.Ok, codes.Ok.String())
	return result
}

func (n *Negotiator) evaluate(span trace.Span, req *http.Request) *Result {
	if req.Method != http.MethodGet {
		return reject(req, http.StatusBadRequest, fmt.Sprintf("method %s is not allowed", req.Method), nil)
	}
	if !req.ProtoAtLeast(1, 1) {
		return reject(req, http.StatusBadRequest, fmt.Sprintf("protocol %s is not supported", req.Proto), nil)
	}
	if req.Host == "" {
		return reject(req, http.StatusBadRequest, "missing Host header", nil)
	}
	if !headerContainsToken(req.Header, HeaderUpgrade, upgradeToken) {
		return reject(req, http.StatusBadRequest, "Upgrade header does not contain websocket", nil)
	}
	if !headerContainsToken(req.Header, HeaderConnection, connectionToken) {
		return reject(req, http.StatusBadRequest, "Connection header does not contain Upgrade", nil)
	}
	key := strings.TrimSpace(req.Header.Get(HeaderSecWsKey))
	if key == "" {
		return reject(req, http.StatusBadRequest, "missing Sec-WebSocket-Key header", nil)
	}
	if version := strings.TrimSpace(req.Header.Get(HeaderSecWsVersion)); version != SupportedVersion {
		result := reject(req, http.StatusUpgradeRequired, fmt.Sprintf("unsupported websocket version %q", version), nil)
		result.ResponseHeader.Set(HeaderSecWsVersion, SupportedVersion)
		return result
	}
	subProtocol, ok := n.negotiateSubProtocol(req.Header)
	if !ok {
		return reject(req, http.StatusBadRequest, "no supported sub-protocol offered", nil)
	}
	extensions := n.negotiateExtensions(span, req.Header)
	header := http.Header{}
	header.Set(HeaderUpgrade, upgradeToken)
	header.Set(HeaderConnection, "Upgrade")
	header.Set(HeaderSecWsAccept, ComputeAcceptKey(key))
	if subProtocol != "" {
		header.Set(HeaderSecWsProto, subProtocol)
	}
	if len(extensions) > 0 {
		tokens := make([]string, 0, len(extensions))
		for _, ext := range extensions {
			tokens = append(tokens, ext.ExtensionOffer.String())
		}
		header.Set(HeaderSecWsExt, strings.Join(tokens, ", "))
	}
	return &Result{
		Request:        req,
		ResponseHeader: header,
		SubProtocol:    subProtocol,
		Extensions:     extensions,
		Valid:          true,
		Status:         http.StatusSwitchingProtocols,
	}
}

// # Description
//
// Pick the first supported sub-protocol offered by the client.
//
// # Return
//
// The sub-protocol and true, or an empty string and true if the client has made no offer. False
// if the client has made offers and none is supported.
func (n *Negotiator) negotiateSubProtocol(h http.Header) (string, bool) {
	offers := headerTokens(h, HeaderSecWsProto)
	if len(offers) == 0 {
		return "", true
	}
	for _, supported := range n.subProtocols {
		for _, offer := range offers {
			if strings.EqualFold(supported, offer) {
				return supported, true
			}
		}
	}
	return "", false
}

// Submit each offer to the matching extension, in request order. Unknown or declined offers are
// dropped. Once an extension has accepted an offer, its other offers are ignored.
func (n *Negotiator) negotiateExtensions(span trace.Span, h http.Header) []wsengine.NegotiatedExtension {
	negotiated := []wsengine.NegotiatedExtension{}
	accepted := map[string]bool{}
	for _, offer := range ParseExtensions(h.Values(HeaderSecWsExt)) {
		name := strings.ToLower(offer.Name)
		if accepted[name] {
			continue
		}
		for _, ext := range n.extensions {
			if !strings.EqualFold(ext.Name(), offer.Name) {
				continue
			}
			response, extCtx, ok := ext.Negotiate(offer)
			if !ok || extCtx == nil {
				n.logger.Debug("extension offer declined", zap.String("extension", offer.String()))
				continue
			}
			accepted[name] = true
			negotiated = append(negotiated, wsengine.NegotiatedExtension{ExtensionOffer: response, Context: extCtx})
			span.AddEvent(eventExtensionAccepted, trace.WithAttributes(attribute.String(attrExtension, response.String())))
			break
		}
	}
	return negotiated
}

// Build a rejected result
func reject(req *http.Request, status int, reason string, err error) *Result {
	return &Result{
		Request:        req,
		ResponseHeader: http.Header{},
		Valid:          false,
		Status:         status,
		Err:            HandshakeError{Status: status, Reason: reason, Err: err},
	}
}

// # Description
//
// Write the HTTP response of a handshake: 101 Switching Protocols with the negotiated headers
// when the result is valid, the rejection status with the reason as plain text body otherwise.
func WriteResponse(w io.Writer, result *Result) error {
	buf := bytes.Buffer{}
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", result.Status, http.StatusText(result.Status))
	header := result.ResponseHeader.Clone()
	if header == nil {
		header = http.Header{}
	}
	body := ""
	if !result.Valid {
		if herr, ok := result.Err.(HandshakeError); ok {
			body = herr.Reason
		}
		header.Set("Content-Type", "text/plain; charset=utf-8")
		header.Set("Content-Length", strconv.Itoa(len(body)))
		header.Set(HeaderConnection, "close")
	}
	if err := header.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	buf.WriteString(body)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	if flusher, ok := w.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}
