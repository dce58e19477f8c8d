// Package rpc exposes the marketplace node over JSON-RPC 2.0.
//
// The method set mirrors the REST surface for clients that prefer a single
// endpoint: market_submitMessage delivers a network message, the getters
// read aggregates by hash.
package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tverne/souk/internal/bid"
	"github.com/tverne/souk/internal/dispatch"
	"github.com/tverne/souk/internal/listing"
	"github.com/tverne/souk/internal/order"
	"github.com/tverne/souk/internal/protocol"
)

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeServerError    = -32000
	codeNotFound       = -32004
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Server routes JSON-RPC methods onto the dispatcher and read services.
type Server struct {
	dispatcher *dispatch.Dispatcher
	listings   *listing.Service
	bids       *bid.Service
	orders     *order.Service
}

// NewServer creates a JSON-RPC server.
func NewServer(dispatcher *dispatch.Dispatcher, listings *listing.Service, bids *bid.Service, orders *order.Service) *Server {
	return &Server{
		dispatcher: dispatcher,
		listings:   listings,
		bids:       bids,
		orders:     orders,
	}
}

// Handler returns the gin handler serving POST /rpc.
func (s *Server) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req Request
		if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
			writeError(c, nil, codeParseError, "parse error", err.Error())
			return
		}
		if req.JSONRPC != jsonRPCVersion || req.Method == "" {
			writeError(c, req.ID, codeInvalidRequest, "invalid request", nil)
			return
		}

		switch req.Method {
		case "market_submitMessage":
			s.submitMessage(c, &req)
		case "market_getListing":
			s.getListing(c, &req)
		case "market_getBid":
			s.getBid(c, &req)
		case "market_getOrder":
			s.getOrder(c, &req)
		default:
			writeError(c, req.ID, codeMethodNotFound, "method not found", req.Method)
		}
	}
}

// SubmitMessageParams is the single parameter of market_submitMessage.
type SubmitMessageParams struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Nonce   string          `json:"nonce"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) submitMessage(c *gin.Context, req *Request) {
	var params SubmitMessageParams
	if !decodeParams(c, req, &params) {
		return
	}

	res, err := s.dispatcher.Submit(c.Request.Context(), params.Type, params.Sender, params.Nonce, params.Payload)
	if err != nil {
		writeError(c, req.ID, errCode(err), err.Error(), nil)
		return
	}
	writeResult(c, req.ID, res)
}

type hashParams struct {
	Hash string `json:"hash"`
}

func (s *Server) getListing(c *gin.Context, req *Request) {
	var params hashParams
	if !decodeParams(c, req, &params) {
		return
	}
	l, err := s.listings.Get(c.Request.Context(), params.Hash)
	if err != nil {
		writeError(c, req.ID, errCode(err), err.Error(), nil)
		return
	}
	writeResult(c, req.ID, l)
}

func (s *Server) getBid(c *gin.Context, req *Request) {
	var params hashParams
	if !decodeParams(c, req, &params) {
		return
	}
	b, err := s.bids.Get(c.Request.Context(), params.Hash)
	if err != nil {
		writeError(c, req.ID, errCode(err), err.Error(), nil)
		return
	}
	writeResult(c, req.ID, b)
}

func (s *Server) getOrder(c *gin.Context, req *Request) {
	var params hashParams
	if !decodeParams(c, req, &params) {
		return
	}
	o, err := s.orders.Get(c.Request.Context(), params.Hash)
	if err != nil {
		writeError(c, req.ID, errCode(err), err.Error(), nil)
		return
	}
	writeResult(c, req.ID, o)
}

// decodeParams unmarshals params[0] into dst, writing the error response on
// failure.
func decodeParams(c *gin.Context, req *Request, dst interface{}) bool {
	if len(req.Params) != 1 {
		writeError(c, req.ID, codeInvalidParams, "expected exactly one params object", nil)
		return false
	}
	if err := json.Unmarshal(req.Params[0], dst); err != nil {
		writeError(c, req.ID, codeInvalidParams, "invalid params", err.Error())
		return false
	}
	return true
}

// errCode maps the protocol error taxonomy onto JSON-RPC codes.
func errCode(err error) int {
	switch {
	case errors.Is(err, protocol.ErrMalformedPayload),
		errors.Is(err, protocol.ErrUnknownMessageType):
		return codeInvalidParams
	case errors.Is(err, protocol.ErrInvalidTransition),
		errors.Is(err, protocol.ErrPolicyViolation):
		return codeServerError
	case errors.Is(err, listing.ErrNotFound),
		errors.Is(err, bid.ErrNotFound),
		errors.Is(err, order.ErrNotFound):
		return codeNotFound
	default:
		return codeInternalError
	}
}

func writeError(c *gin.Context, id interface{}, code int, message string, data interface{}) {
	errObj := &Error{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	c.JSON(http.StatusOK, Response{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(c *gin.Context, id interface{}, result interface{}) {
	c.JSON(http.StatusOK, Response{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}
