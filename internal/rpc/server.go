package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"go.lsp.dev/jsonrpc2"

	"github.com/roach88/weft/internal/arena"
	"github.com/roach88/weft/internal/driver"
	"github.com/roach88/weft/internal/fence"
	"github.com/roach88/weft/internal/session"
	"github.com/roach88/weft/internal/transactor"
)

// Server dispatches the RPC surface onto a Driver.
type Server struct {
	driver *driver.Driver
}

// NewServer returns a Server over the driver.
func NewServer(d *driver.Driver) *Server {
	return &Server{driver: d}
}

// ServeStream serves one connection until it closes. Used directly for
// stdio transport and per accepted connection for TCP.
func (s *Server) ServeStream(ctx context.Context, rwc io.ReadWriteCloser) error {
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(rwc))
	conn.Go(ctx, s.Handler())
	<-conn.Done()
	if err := conn.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ListenAndServe accepts TCP connections on addr, serving each on its
// own goroutine, until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("rpc server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rpc: accept: %w", err)
		}
		go func() {
			if err := s.ServeStream(ctx, conn); err != nil {
				slog.Error("rpc connection failed", "error", err)
			}
		}()
	}
}

// Handler returns the jsonrpc2 dispatch function.
func (s *Server) Handler() jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		result, err := s.dispatch(ctx, req)
		if err != nil {
			return reply(ctx, nil, wireError(err))
		}
		return reply(ctx, result, nil)
	}
}

func (s *Server) dispatch(ctx context.Context, req jsonrpc2.Request) (any, error) {
	switch req.Method() {
	case MethodStartSession:
		var p startSessionParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		handle, err := s.driver.StartSession(ctx, p.Endpoint, p.Target, p.CallerID)
		if err != nil {
			return nil, err
		}
		return startSessionResult{Handle: handle}, nil

	case MethodValidate:
		var p validateParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		set, err := s.driver.Validate(ctx, p.Handle, p.Collection)
		if err != nil {
			return nil, err
		}
		out := validateResult{Constraints: make(map[string]wireConstraint, len(set))}
		for field, c := range set {
			out.Constraints[field] = wireConstraint{Type: c.Type.String(), Reason: c.Reason}
		}
		return out, nil

	case MethodApply:
		var p applyParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		action, err := s.driver.Apply(ctx, p.Handle, p.Collection, p.Fields, p.DryRun)
		if err != nil {
			return nil, err
		}
		return applyResult{Action: action}, nil

	case MethodFence:
		var p fenceParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		ckpt, err := s.driver.Fence(ctx, p.Handle, p.DriverCheckpoint)
		if err != nil {
			return nil, err
		}
		return fenceResult{FlowCheckpoint: ckpt}, nil

	case MethodLoad:
		var p loadParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		resp, err := s.driver.Load(ctx, p.Handle, transactor.LoadRequest{
			Arena: arena.Arena(p.Arena),
			Keys:  p.Keys,
		})
		if err != nil {
			return nil, err
		}
		return loadResult{
			Arena:       resp.Arena,
			Docs:        resp.Docs,
			AlwaysEmpty: resp.AlwaysEmpty,
		}, nil

	case MethodStoreStart:
		var p storeStartParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		err := s.driver.StoreStart(ctx, p.Handle, transactor.Start{
			KeyFields:      p.KeyFields,
			ValueFields:    p.ValueFields,
			FlowCheckpoint: p.FlowCheckpoint,
		})
		if err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case MethodStoreContinue:
		var p storeContinueParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		err := s.driver.StoreContinue(ctx, p.Handle, transactor.Continue{
			Arena:  arena.Arena(p.Arena),
			Keys:   p.Keys,
			Values: p.Values,
			Docs:   p.Docs,
			Exists: p.Exists,
		})
		if err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case MethodStoreCommit:
		var p storeCommitParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		ckpt, err := s.driver.StoreCommit(ctx, p.Handle)
		if err != nil {
			return nil, err
		}
		return storeCommitResult{DriverCheckpoint: ckpt}, nil

	case MethodStoreAbort:
		var p storeAbortParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		s.driver.StoreAbort(p.Handle)
		return struct{}{}, nil

	default:
		return nil, jsonrpc2.ErrMethodNotFound
	}
}

func unmarshalParams(req jsonrpc2.Request, v any) error {
	if err := json.Unmarshal(req.Params(), v); err != nil {
		return fmt.Errorf("%w: %s", jsonrpc2.ErrParse, err)
	}
	return nil
}

// wireError maps the driver's error taxonomy onto JSON-RPC codes, so
// clients can tell "correct your request" from "your session is a
// zombie" from "retry with backoff".
func wireError(err error) error {
	switch {
	case errors.Is(err, fence.ErrSuperseded):
		return jsonrpc2.Errorf(jsonrpc2.Code(CodeSessionSuperseded), "%s", err)
	case errors.Is(err, session.ErrUnknownHandle):
		return jsonrpc2.Errorf(jsonrpc2.Code(CodeUnknownHandle), "%s", err)
	case transactor.IsProtocolError(err), errors.Is(err, arena.ErrBadSlice):
		return jsonrpc2.Errorf(jsonrpc2.Code(CodeProtocolViolation), "%s", err)
	default:
		return err
	}
}
