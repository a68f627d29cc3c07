package server

import (
	"context"
	"strconv"

	"github.com/bardlex/gomp-relay/internal/miner"
	"github.com/bardlex/gomp-relay/internal/share"
	"github.com/bardlex/gomp-relay/internal/stratum"
	"github.com/bardlex/gomp-relay/pkg/log"
)

// handler serves the requests of one miner connection.
type handler struct {
	server *Server
	miner  *miner.Miner
	logger *log.Logger
}

// HandleMessage implements stratum.MessageHandler.
func (h *handler) HandleMessage(ctx context.Context, session *stratum.Session, env *stratum.Envelope) error {
	if !env.IsRequest() {
		h.logger.Debug("ignoring miner response")
		return nil
	}

	req, err := env.Request()
	if err != nil {
		h.logger.WithError(err).Debug("invalid request", "method", env.Method)
		return session.SendError(env.RawID(), stratum.NewError(stratum.ErrorInvalidParams, "Invalid parameters"))
	}

	switch r := req.(type) {
	case stratum.SubscribeRequest:
		return h.handleSubscribe(session, env.RawID(), r)
	case stratum.AuthorizeRequest:
		return h.handleAuthorize(session, env.RawID(), r)
	case stratum.SubmitRequest:
		return h.handleSubmit(ctx, session, env.RawID(), r)
	default:
		h.logger.Debug("unknown method", "method", env.Method)
		return session.SendError(env.RawID(), stratum.NewError(stratum.ErrorMethodNotFound, "Method not found"))
	}
}

func (h *handler) handleSubscribe(session *stratum.Session, id any, r stratum.SubscribeRequest) error {
	h.miner.Subscribe(r.UserAgent)
	h.logger.Info("miner subscribed", "user_agent", r.UserAgent, "extranonce1", h.miner.ExtraNonce1())

	sid := strconv.FormatUint(session.ID(), 16)
	return session.SendResponse(id, []any{
		[][]string{
			{stratum.MethodSetDifficulty, sid},
			{stratum.MethodNotify, sid},
		},
		h.miner.ExtraNonce1(),
		h.server.extraNonce2Size(),
	})
}

func (h *handler) handleAuthorize(session *stratum.Session, id any, r stratum.AuthorizeRequest) error {
	if !h.miner.IsSubscribed() {
		return session.SendError(id, stratum.NewError(stratum.ErrorNotSubscribed, "Not subscribed"))
	}
	if r.Username == "" {
		return session.SendError(id, stratum.NewError(stratum.ErrorUnauthorized, "Unauthorized worker"))
	}

	// The reply goes out before the difficulty and first job the
	// registry pushes on authentication.
	if err := session.SendResponse(id, true); err != nil {
		return err
	}
	h.server.registry.Authenticate(h.miner, r.Username, r.Password)
	h.logger = h.server.logger.WithMiner(h.miner.ID, r.Username)
	return nil
}

func (h *handler) handleSubmit(ctx context.Context, session *stratum.Session, id any, r stratum.SubmitRequest) error {
	if !h.miner.IsSubscribed() {
		return session.SendError(id, stratum.NewError(stratum.ErrorNotSubscribed, "Not subscribed"))
	}
	if !h.miner.IsAuthenticated() {
		return session.SendError(id, stratum.NewError(stratum.ErrorUnauthorized, "Unauthorized worker"))
	}

	s := h.server.submit(ctx, h.miner, r)
	if !s.IsValid {
		serr := s.Error.StratumError()
		if serr == nil {
			serr = stratum.NewError(stratum.ErrorOther, "Invalid share")
		}
		return session.SendError(id, serr)
	}
	return session.SendResponse(id, true)
}

// submit processes a share. While relaying, a share with the miner-side
// extranonce2 size is widened to the upstream layout first and forwarded
// when it meets the upstream difficulty.
func (s *Server) submit(ctx context.Context, mnr *miner.Miner, r stratum.SubmitRequest) *share.Share {
	en2 := r.ExtraNonce2
	size := s.upstream.FormattedXNonce2Size()
	relayShare := s.state.IsRelaying() && size > 0 && len(en2)/2 == size
	if relayShare {
		en2 = s.upstream.RelayExtraNonce2(mnr.ExtraNonce1(), en2)
	}

	sh := s.shares.ProcessShare(ctx, mnr, r.JobID, en2, r.NTime, r.Nonce)
	if !relayShare || !sh.IsValid || sh.Difficulty < s.upstream.ExternalDiff() {
		return sh
	}

	jobID := sh.JobID
	if sh.Job != nil && sh.Job.IsRelay() {
		jobID = sh.Job.RelayID
	}
	if !s.upstream.MiningSubmit(ctx, jobID, en2, r.NTime, r.Nonce) {
		s.logger.Warn("failed to forward share upstream", "job_id", jobID, "username", mnr.Username())
	}
	return sh
}
