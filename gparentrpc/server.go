package gparentrpc

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gordian-engine/gsubnet/gbottomup"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gtopdown"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
)

// ServiceName prefixes every method name, e.g. "parent.FinalizedHeight".
const ServiceName = "parent"

type FinalizedHeightArgs struct{}

type FinalizedHeightReply struct {
	Height uint64 `json:"height"`
}

type MessagesSinceArgs struct {
	Height uint64 `json:"height"`
}

type MessagesSinceReply struct {
	Blocks []gtopdown.ParentBlock `json:"blocks"`
}

type SubmitCertificateArgs struct {
	Certificate gchain.CheckpointCertificate `json:"certificate"`
}

type SubmitCertificateReply struct{}

// Service is the JSON-RPC receiver.
// Its exported methods follow the gorilla/rpc calling convention.
type Service struct {
	log    *slog.Logger
	parent gtopdown.ParentClient
	sink   gbottomup.Submitter
}

func (s *Service) FinalizedHeight(r *http.Request, _ *FinalizedHeightArgs, reply *FinalizedHeightReply) error {
	h, err := s.parent.FinalizedHeight(r.Context())
	if err != nil {
		s.log.Debug("FinalizedHeight failed", "err", err)
		return err
	}
	reply.Height = h
	return nil
}

func (s *Service) MessagesSince(r *http.Request, args *MessagesSinceArgs, reply *MessagesSinceReply) error {
	blocks, err := s.parent.MessagesSince(r.Context(), args.Height)
	if err != nil {
		s.log.Debug("MessagesSince failed", "height", args.Height, "err", err)
		return err
	}
	if blocks == nil {
		blocks = []gtopdown.ParentBlock{}
	}
	reply.Blocks = blocks
	return nil
}

var errNoSink = errors.New("certificate submission not supported")

func (s *Service) SubmitCertificate(r *http.Request, args *SubmitCertificateArgs, _ *SubmitCertificateReply) error {
	if s.sink == nil {
		return errNoSink
	}
	if err := s.sink.SubmitCertificate(r.Context(), args.Certificate); err != nil {
		s.log.Debug("SubmitCertificate failed", "height", args.Certificate.Checkpoint.ToHeight, "err", err)
		return err
	}
	return nil
}

// NewHandler returns an HTTP handler serving parent over JSON-RPC 2.0.
// Certificates submitted to the handler are passed to sink;
// if sink is nil, submissions fail.
func NewHandler(log *slog.Logger, parent gtopdown.ParentClient, sink gbottomup.Submitter) (http.Handler, error) {
	srv := rpc.NewServer()
	codec := json2.NewCodec()
	srv.RegisterCodec(codec, "application/json")
	srv.RegisterCodec(codec, "application/json;charset=UTF-8")

	if err := srv.RegisterService(&Service{log: log, parent: parent, sink: sink}, ServiceName); err != nil {
		return nil, fmt.Errorf("failed to register parent service: %w", err)
	}
	return srv, nil
}
