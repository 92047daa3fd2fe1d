package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gotalk/config"
	"gotalk/pipeline"
	"gotalk/policy"
	"gotalk/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logrus.Fatalf("startup failed while loading config: %v", err)
	}
	if cfg.UserJID == "" {
		cfg.UserJID = "user@localhost"
		if err := config.Save(cfgPath, cfg); err != nil {
			logrus.Fatalf("startup failed while persisting default user JID: %v", err)
		}
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		// The pipeline cannot honor its no-data-loss contract without
		// durable storage.
		logrus.Fatalf("startup failed while opening database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.Errorf("database close error: %v", err)
		}
	}()

	cutoff := time.Now().Add(-storage.DefaultSeenStanzaRetention).UnixMilli()
	if _, err := store.PruneSeenStanzas(cutoff); err != nil {
		logrus.WithError(err).Warn("Pruning stale seen-stanza entries failed")
	}

	contactPolicy := policy.NewContactPolicy(cfg.TemporaryContacts)

	router, err := pipeline.NewDeliveryRouter(pipeline.RouterOptions{
		Store:  store,
		Policy: contactPolicy,
	})
	if err != nil {
		logrus.Fatalf("startup failed while building delivery router: %v", err)
	}

	// Stand-in transport: loops every send back as an inbound message from
	// the contact, so the full pipeline runs without a server.
	transport := &echoTransport{router: router, userJID: cfg.UserJID}

	gateway, err := pipeline.NewOutboundGateway(pipeline.GatewayOptions{
		Transport: transport,
		Store:     store,
		Policy:    contactPolicy,
		UserJID:   cfg.UserJID,
	})
	if err != nil {
		logrus.Fatalf("startup failed while building outbound gateway: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"user_jid": cfg.UserJID,
		"config":   cfgPath,
		"database": dbPath,
	}).Info("Message pipeline running")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	console := newConsole(cfg.UserJID, store, router, gateway, contactPolicy)
	go console.run(ctx)

	<-ctx.Done()
	console.closeAll()

	// Flush the temporary-contact set back to the configuration collaborator.
	cfg.SetTemporaryContacts(contactPolicy.Contacts())
	if err := config.Save(cfgPath, cfg); err != nil {
		logrus.Errorf("persist temporary contacts on shutdown: %v", err)
	}
	logrus.Info("Message pipeline stopped")
}

// echoTransport implements the Transport boundary for local operation.
type echoTransport struct {
	router  *pipeline.DeliveryRouter
	userJID string
}

func (t *echoTransport) OpenChat(contactJID string) (pipeline.Chat, error) {
	return &echoChat{transport: t, contactJID: contactJID}, nil
}

type echoChat struct {
	transport  *echoTransport
	contactJID string
}

func (c *echoChat) Send(stanzaID, body string) error {
	go func() {
		time.Sleep(50 * time.Millisecond)
		// The reply carries its own stanza ID; the sender's ID is already
		// recorded by the gateway and would be suppressed.
		c.transport.router.OnInboundStanza(uuid.NewString(), c.contactJID, c.transport.userJID, body)
	}()
	return nil
}

// consoleView prints deliveries for one contact; it is the terminal's
// stand-in for a conversation window.
type consoleView struct{}

func (v *consoleView) OnDelivered(message storage.Message) {
	direction := "<-"
	if message.IsLocal {
		direction = "->"
	}
	fmt.Printf("%s %s %s: %s\n", time.UnixMilli(message.Timestamp).Format("15:04:05"), direction, message.SenderJID, message.Body)
}

type console struct {
	userJID  string
	store    *storage.Store
	router   *pipeline.DeliveryRouter
	gateway  *pipeline.OutboundGateway
	policy   *policy.ContactPolicy
	sessions map[string]*pipeline.ConversationSession
	views    map[string]*consoleView
}

func newConsole(userJID string, store *storage.Store, router *pipeline.DeliveryRouter, gateway *pipeline.OutboundGateway, contactPolicy *policy.ContactPolicy) *console {
	return &console{
		userJID:  userJID,
		store:    store,
		router:   router,
		gateway:  gateway,
		policy:   contactPolicy,
		sessions: make(map[string]*pipeline.ConversationSession),
		views:    make(map[string]*consoleView),
	}
}

func (c *console) run(ctx context.Context) {
	fmt.Println("commands: /open <jid>, /close <jid>, /read <jid>, /temp <jid>, /perm <jid>, /delete <jid>, /wipe, /unread, or <jid> <message>")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		c.handleLine(strings.TrimSpace(scanner.Text()))
	}
}

func (c *console) handleLine(line string) {
	if line == "" {
		return
	}

	if strings.HasPrefix(line, "/") {
		parts := strings.Fields(line)
		command := parts[0]
		arg := ""
		if len(parts) > 1 {
			arg = parts[1]
		}
		c.handleCommand(command, arg)
		return
	}

	contactJID, body, ok := strings.Cut(line, " ")
	if !ok {
		fmt.Println("usage: <jid> <message>")
		return
	}
	c.open(contactJID)
	message, err := c.gateway.Send(contactJID, body)
	if err != nil {
		logrus.WithError(err).Error("Send failed")
		return
	}
	// Local echo: self-notify the sender's own session and view.
	if session, ok := c.sessions[contactJID]; ok {
		session.OnDelivered(*message)
		c.views[contactJID].OnDelivered(*message)
	}
}

func (c *console) handleCommand(command, arg string) {
	switch command {
	case "/open":
		c.open(arg)
	case "/close":
		c.close(arg)
	case "/read":
		if session, ok := c.sessions[arg]; ok {
			if err := session.MarkViewed(); err != nil {
				logrus.WithError(err).Error("Mark viewed failed")
			}
		}
	case "/temp":
		c.policy.Add(arg)
	case "/perm":
		c.policy.Remove(arg)
	case "/delete":
		if arg == "" {
			return
		}
		deleted, err := c.store.DeleteConversation(c.userJID, arg)
		if err != nil {
			logrus.WithError(err).Error("Delete conversation failed")
			return
		}
		fmt.Printf("deleted %d messages\n", deleted)
	case "/wipe":
		if err := c.store.DeleteAll(); err != nil {
			logrus.WithError(err).Error("Wipe history failed")
		}
	case "/unread":
		count, err := c.store.UnreadCount(c.userJID)
		if err != nil {
			logrus.WithError(err).Error("Unread count failed")
			return
		}
		fmt.Printf("%d unread\n", count)
	default:
		fmt.Printf("unknown command %q\n", command)
	}
}

func (c *console) open(contactJID string) {
	if contactJID == "" || c.sessions[contactJID] != nil {
		return
	}

	session, err := pipeline.NewConversationSession(pipeline.SessionOptions{
		Store:      c.store,
		Router:     c.router,
		UserJID:    c.userJID,
		ContactJID: contactJID,
	})
	if err != nil {
		logrus.WithError(err).Error("Create session failed")
		return
	}
	if err := session.Open(); err != nil {
		logrus.WithError(err).Error("Open session failed")
		return
	}

	view := &consoleView{}
	c.router.Register(contactJID, view)
	for _, message := range session.Messages() {
		view.OnDelivered(message)
	}

	c.sessions[contactJID] = session
	c.views[contactJID] = view
}

func (c *console) close(contactJID string) {
	session, ok := c.sessions[contactJID]
	if !ok {
		return
	}
	session.Close()
	c.router.Unregister(contactJID, c.views[contactJID])
	delete(c.sessions, contactJID)
	delete(c.views, contactJID)
}

func (c *console) closeAll() {
	for jid := range c.sessions {
		c.close(jid)
	}
}
