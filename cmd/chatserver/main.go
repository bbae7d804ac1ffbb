package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campuslink/chat-core/internal/config"
	"github.com/campuslink/chat-core/internal/conversation"
	"github.com/campuslink/chat-core/internal/fanout"
	"github.com/campuslink/chat-core/internal/message"
	"github.com/campuslink/chat-core/internal/metrics"
	"github.com/campuslink/chat-core/internal/moderation"
	"github.com/campuslink/chat-core/internal/profile"
	"github.com/campuslink/chat-core/internal/protocol"
	"github.com/campuslink/chat-core/internal/ratelimit"
	"github.com/campuslink/chat-core/internal/trust"
	"github.com/campuslink/chat-core/internal/ws"
)

// fanoutAdapter narrows the fanout manager to the interface the
// conversation package consumes.
type fanoutAdapter struct {
	manager *fanout.Manager
}

func (a fanoutAdapter) Subscribe(scope message.Scope, userID string, onMessage func(message.Message), onResync func()) (conversation.Subscription, error) {
	sub, err := a.manager.Subscribe(scope, userID, onMessage, onResync)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a fanoutAdapter) Publish(msg *message.Message) error {
	return a.manager.Publish(msg)
}

// sessionRegistry tracks the open conversations per connection.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]map[string]*conversation.Session // conn id -> scope key -> session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]map[string]*conversation.Session)}
}

func (r *sessionRegistry) add(connID string, scope message.Scope, s *conversation.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[connID] == nil {
		r.sessions[connID] = make(map[string]*conversation.Session)
	}
	r.sessions[connID][scope.Key()] = s
}

func (r *sessionRegistry) get(connID string, scope message.Scope) *conversation.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[connID][scope.Key()]
}

func (r *sessionRegistry) remove(connID string, scope message.Scope) *conversation.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[connID][scope.Key()]
	delete(r.sessions[connID], scope.Key())
	return s
}

func (r *sessionRegistry) removeAll(connID string) []*conversation.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*conversation.Session
	for _, s := range r.sessions[connID] {
		out = append(out, s)
	}
	delete(r.sessions, connID)
	return out
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- PostgreSQL (messages, trust scores, profile projection) ---
	ctx := context.Background()
	store, err := message.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open message store: %v", err)
	}

	actions := trust.ActionTable{
		trust.ActionMessageSent:   cfg.DeltaMessageSent,
		trust.ActionToxicContent:  cfg.DeltaToxicContent,
		trust.ActionUserReported:  cfg.DeltaUserReported,
		trust.ActionPostUpvoted:   cfg.DeltaPostUpvoted,
		trust.ActionPostDownvoted: cfg.DeltaPostDownvoted,
		trust.ActionHelpfulAnswer: cfg.DeltaHelpfulAnswer,
	}
	ledger := trust.NewLedger(store.DB(), actions)

	// --- Redis (rate limiting, profile second-level cache) ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// --- NATS (live fan-out) ---
	natsConfig := fanout.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "chat-core-server"
	natsClient, err := fanout.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	manager := fanout.NewManager(natsClient)

	gate := moderation.NewGate(cfg.ClassifierURL, cfg.ClassifierTimeout)
	rateLimiter := ratelimit.NewLimiter(rdb)
	limiter := ratelimit.NewSendLimiter(rateLimiter)
	profiles := profile.NewCache(profile.NewPGFetcher(store.DB()), rdb, profile.DefaultTTL)

	deps := conversation.Deps{
		Store:    store,
		Ledger:   ledger,
		Gate:     gate,
		Fanout:   fanoutAdapter{manager: manager},
		Limiter:  limiter,
		Profiles: profiles,
	}

	registry := newSessionRegistry()

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	log.Printf("campus chat server starting")
	log.Printf("  listen_addr:     %s", wsConfig.ListenAddr)
	log.Printf("  metrics_addr:    %s", cfg.MetricsAddr)
	log.Printf("  worker_pool:     %d", wsConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", wsConfig.MaxConnections)
	log.Printf("  database:        %s", cfg.DatabaseURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  classifier_url:  %s", cfg.ClassifierURL)

	var server *ws.Server

	// sendServerMessage builds and writes one protocol message, logging
	// failures instead of propagating them (the connection may be gone).
	sendServerMessage := func(connID, msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("[server] build %s: %v", msgType, err)
			return
		}
		if err := server.SendMessage(connID, data); err != nil {
			log.Printf("[server] send %s to conn=%s: %v", msgType, connID, err)
		}
	}

	// pushAuthors resolves display metadata for a conversation's authors
	// through the batched profile cache and pushes it to the client.
	pushAuthors := func(connID string, session *conversation.Session, scope message.Scope) {
		go func() {
			authCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			summaries, err := session.Authors(authCtx)
			if err != nil {
				log.Printf("[server] resolve authors for %s: %v", scope, err)
				return
			}
			sendServerMessage(connID, protocol.TypeAuthors, protocol.AuthorsMsg{
				Scope:    scope.Key(),
				Profiles: summaries,
			})
		}()
	}

	dispatcher := ws.NewMessageDispatcher(nil)

	// -----------------------------------------------------------------------
	// open_conversation — fetch newest window, subscribe, start pushing state
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeOpenConversation, func(conn *ws.Connection, msg interface{}) {
		openMsg, ok := msg.(protocol.OpenConversationMsg)
		if !ok {
			return
		}

		var scope message.Scope
		switch {
		case openMsg.Room != "" && openMsg.DMWith == "":
			scope = message.RoomScope(openMsg.Room)
		case openMsg.DMWith != "" && openMsg.Room == "":
			scope = message.DMScope(conn.UserID, openMsg.DMWith)
		default:
			sendServerMessage(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "bad_scope", Message: "exactly one of room or dm_with is required",
			})
			return
		}

		if registry.get(conn.ID, scope) != nil {
			sendServerMessage(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "already_open", Message: "conversation already open",
			})
			return
		}

		connID := conn.ID
		session := conversation.NewSession(deps, scope, conn.UserID, func(snapshot conversation.Snapshot) {
			sendServerMessage(connID, protocol.TypeState, protocol.StateMsg{Snapshot: snapshot})
		})

		openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := session.Open(openCtx); err != nil {
			log.Printf("[server] open %s for user=%s: %v", scope, conn.UserID, err)
			sendServerMessage(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "open_failed", Message: "could not open conversation",
			})
			return
		}

		registry.add(conn.ID, scope, session)
		pushAuthors(conn.ID, session, scope)
	})

	// -----------------------------------------------------------------------
	// close_conversation — unsubscribe and drop the session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeCloseConversation, func(conn *ws.Connection, msg interface{}) {
		closeMsg, ok := msg.(protocol.CloseConversationMsg)
		if !ok {
			return
		}
		scope, err := message.ParseScopeKey(closeMsg.Scope)
		if err != nil {
			return
		}
		if session := registry.remove(conn.ID, scope); session != nil {
			if err := session.Close(); err != nil {
				log.Printf("[server] close %s: %v", scope, err)
			}
		}
	})

	// -----------------------------------------------------------------------
	// load_more — backward pagination from the oldest held message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeLoadMore, func(conn *ws.Connection, msg interface{}) {
		loadMsg, ok := msg.(protocol.LoadMoreMsg)
		if !ok {
			return
		}
		scope, err := message.ParseScopeKey(loadMsg.Scope)
		if err != nil {
			return
		}
		session := registry.get(conn.ID, scope)
		if session == nil {
			sendServerMessage(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "not_open", Message: "conversation is not open",
			})
			return
		}

		loadCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := session.LoadMore(loadCtx); err != nil {
			log.Printf("[server] load more %s: %v", scope, err)
			sendServerMessage(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "load_failed", Message: "could not load history, try again",
			})
			return
		}
		pushAuthors(conn.ID, session, scope)
	})

	// -----------------------------------------------------------------------
	// send_message — trust gate, moderation, append, fan-out
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		scope, err := message.ParseScopeKey(sendMsg.Scope)
		if err != nil {
			return
		}
		session := registry.get(conn.ID, scope)
		if session == nil {
			sendServerMessage(conn.ID, protocol.TypeError, protocol.ErrorMsg{
				Code: "not_open", Message: "conversation is not open",
			})
			return
		}

		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := session.Send(sendCtx, sendMsg.Text); err != nil {
			switch {
			case errors.Is(err, conversation.ErrWriteDenied):
				failed := protocol.SendFailedMsg{
					Scope: scope.Key(), Reason: err.Error(), Retryable: false,
				}
				// A throttled sender gets a hint for when the window reopens.
				if left, rlErr := rateLimiter.Remaining(sendCtx, conn.UserID, ratelimit.RuleSend); rlErr == nil && left == 0 {
					failed.RetryAfterSeconds = int(ratelimit.RuleSend.Window / time.Second)
				}
				sendServerMessage(conn.ID, protocol.TypeSendFailed, failed)
			case errors.Is(err, conversation.ErrSendInFlight):
				// Submit should have been disabled; ignore the extra click.
			default:
				sendServerMessage(conn.ID, protocol.TypeSendFailed, protocol.SendFailedMsg{
					Scope: scope.Key(), Reason: "can't send right now, try again", Retryable: true,
				})
			}
		}
	})

	// -----------------------------------------------------------------------
	// mark_read — flip the read flag on a direct thread
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		readMsg, ok := msg.(protocol.MarkReadMsg)
		if !ok {
			return
		}
		scope, err := message.ParseScopeKey(readMsg.Scope)
		if err != nil || !scope.IsDM() {
			return
		}
		readCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.MarkRead(readCtx, scope, conn.UserID); err != nil {
			log.Printf("[server] mark read %s: %v", scope, err)
		}
	})

	server = ws.NewServer(wsConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	server.SetConnectGate(func(r *http.Request) bool {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		allowed, _ := rateLimiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		return allowed
	})

	server.SetOnConnect(func(conn *ws.Connection) {
		ensureCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ledger.EnsureUser(ensureCtx, conn.UserID); err != nil {
			log.Printf("[server] ensure ledger row user=%s: %v", conn.UserID, err)
		}
		sendServerMessage(conn.ID, protocol.TypeConnected, protocol.ConnectedMsg{
			UserID: conn.UserID,
			Rooms:  conversation.RoomCategories(),
		})
	})

	server.SetOnDisconnect(func(conn *ws.Connection) {
		for _, session := range registry.removeAll(conn.ID) {
			if err := session.Close(); err != nil {
				log.Printf("[server] close on disconnect user=%s: %v", conn.UserID, err)
			}
		}
	})

	// --- Prometheus metrics endpoint ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	// --- Graceful shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)

		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		rdb.Close()
		store.Close()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
