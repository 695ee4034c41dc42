// Package dispatcher routes chat gateway events: guarding access,
// turning media messages into transfer tasks (aggregating albums into
// batches), driving the drive-binding flow, and answering commands
// and inline-button callbacks. All buffer state is owned by the
// single Run loop; handlers execute inline so per-user ordering is
// preserved.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/coordinator"
	"github.com/takaraflow/drive-collector-js-sub006/go/drives"
	"github.com/takaraflow/drive-collector-js-sub006/go/kvcache"
	"github.com/takaraflow/drive-collector-js-sub006/go/limits"
	"github.com/takaraflow/drive-collector-js-sub006/go/pipeline"
	"github.com/takaraflow/drive-collector-js-sub006/go/store"
	"github.com/takaraflow/drive-collector-js-sub006/go/telegram"
)

const (
	// groupTick is how often pending album buffers are checked.
	groupTick = 500 * time.Millisecond
	// groupIdleWait closes an album after a quiet period; each new
	// member extends it, up to groupMaxWait from the first.
	groupIdleWait = 2 * time.Second
	groupMaxWait  = 5 * time.Second

	accessPublic      = "public"
	accessPrivate     = "private"
	accessModeSetting = "access_mode"
	// settingTTL bounds staleness of the cached access_mode read.
	settingTTL = 5 * time.Minute
)

// Config are the dispatcher's tunables.
type Config struct {
	OwnerID    int64  `long:"owner-id" env:"OWNER_ID" description:"Chat user id of the operator; always allowed"`
	AccessMode string `long:"access-mode" env:"ACCESS_MODE" default:"private" choice:"public" choice:"private" description:"Fallback access mode when no access_mode setting is stored"`
}

// Chat is the messaging surface of the gateway client the dispatcher
// talks back through.
type Chat interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb *telegram.InlineKeyboard) (int64, error)
	Reply(ctx context.Context, chatID, messageID int64, text string, kb *telegram.InlineKeyboard) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, kb *telegram.InlineKeyboard) error
	AnswerCallback(ctx context.Context, queryID, text string) error
}

// Tasks is the slice of the transfer pipeline the dispatcher drives.
type Tasks interface {
	AddTask(ctx context.Context, task *store.Task) error
	AddBatch(ctx context.Context, groupID string, tasks []*store.Task) ([]*store.Task, error)
	SetReplyMessage(ctx context.Context, taskID string, messageID int64) error
	CancelTask(ctx context.Context, taskID string, userID int64, privileged bool) error
	ListRemote(ctx context.Context, userID int64, max int) ([]drives.FileInfo, error)
	Snapshot() pipeline.Snapshot
}

// Deps are the dispatcher's collaborators, wired by the collector.
type Deps struct {
	Chat    Chat
	Tasks   Tasks
	Store   *store.Store
	KV      *kvcache.Cache
	Locks   *coordinator.Coordinator
	Limiter *limits.Limiter
	Updates <-chan telegram.Update
	// ConnState reports the protocol breaker state for /status; nil
	// reads as unknown.
	ConnState func() string
}

// Dispatcher consumes the gateway update stream. It is not safe for
// concurrent use; Run is the only entry point.
type Dispatcher struct {
	cfg       Config
	chat      Chat
	tasks     Tasks
	drives    *store.DriveStore
	settings  *store.SettingsStore
	kv        *kvcache.Cache
	locks     *coordinator.Coordinator
	limiter   *limits.Limiter
	updates   <-chan telegram.Update
	connState func() string

	groups map[string]*groupBuffer
	clock  func() time.Time

	buildProvider func(ctx context.Context, typ string, credentials []byte, limiter *limits.Limiter) (drives.Provider, error)
}

func New(cfg Config, deps Deps) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		chat:      deps.Chat,
		tasks:     deps.Tasks,
		drives:    deps.Store.Drives,
		settings:  deps.Store.Settings,
		kv:        deps.KV,
		locks:     deps.Locks,
		limiter:   deps.Limiter,
		updates:   deps.Updates,
		connState: deps.ConnState,
		groups:    make(map[string]*groupBuffer),
		clock:     time.Now,
		buildProvider: func(ctx context.Context, typ string, credentials []byte, limiter *limits.Limiter) (drives.Provider, error) {
			return drives.New(ctx, typ, credentials, limiter)
		},
	}
}

// Run handles updates until |ctx| is cancelled or the stream closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	var ticker = time.NewTicker(groupTick)
	defer ticker.Stop()

	log.WithField("owner", d.cfg.OwnerID).Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.flushAllGroups()
			return ctx.Err()
		case update, ok := <-d.updates:
			if !ok {
				d.flushAllGroups()
				log.Info("update stream closed; dispatcher stopping")
				return nil
			}
			d.handleUpdate(ctx, update)
		case <-ticker.C:
			d.flushDueGroups(ctx)
		}
	}
}

func (d *Dispatcher) handleUpdate(ctx context.Context, update telegram.Update) {
	ec, ok := extractContext(update)
	if !ok {
		return
	}
	if !d.allowed(ctx, ec) {
		return
	}
	switch {
	case update.CallbackQuery != nil:
		eventsTotal.WithLabelValues("callback").Inc()
		d.handleCallback(ctx, ec, update.CallbackQuery)
	case update.Message != nil:
		d.handleMessage(ctx, ec, update.Message)
	}
}

// eventContext is the routed identity of one update.
type eventContext struct {
	userID     int64
	chatID     int64
	messageID  int64
	isCallback bool
	queryID    string
}

func extractContext(update telegram.Update) (eventContext, bool) {
	switch {
	case update.CallbackQuery != nil:
		var q = update.CallbackQuery
		var ec = eventContext{userID: q.From.ID, isCallback: true, queryID: q.ID}
		if q.Message != nil {
			ec.chatID = q.Message.Chat.ID
			ec.messageID = q.Message.MessageID
		}
		return ec, true
	case update.Message != nil:
		var m = update.Message
		var ec = eventContext{chatID: m.Chat.ID, messageID: m.MessageID}
		if m.From != nil {
			ec.userID = m.From.ID
		} else {
			// Direct chats have chat id == user id; channel posts
			// carry no sender and are attributed to the chat.
			ec.userID = m.Chat.ID
		}
		return ec, true
	default:
		return eventContext{}, false
	}
}

// allowed applies the global access guard. The owner always passes;
// everyone else passes only in public mode. Denied button presses are
// acknowledged so the client's spinner clears.
func (d *Dispatcher) allowed(ctx context.Context, ec eventContext) bool {
	if ec.userID == d.cfg.OwnerID {
		return true
	}
	if d.accessMode(ctx) == accessPublic {
		return true
	}
	guardBlocked.Inc()
	if ec.isCallback {
		d.ackCallback(ctx, ec, msgAccessDenied)
	}
	return false
}

// accessMode reads the access_mode setting through the KV cache,
// falling back to the durable store and finally the configured
// default.
func (d *Dispatcher) accessMode(ctx context.Context) string {
	var key = "setting:" + accessModeSetting
	if raw, err := d.kv.Get(ctx, key, kvcache.Options{}); err == nil && len(raw) > 0 {
		return string(raw)
	}
	mode, err := d.settings.Get(ctx, accessModeSetting, d.cfg.AccessMode)
	if err != nil {
		log.WithField("err", err).Warn("reading access_mode setting; using configured default")
		return d.cfg.AccessMode
	}
	if err = d.kv.Set(ctx, key, []byte(mode), settingTTL, kvcache.Options{}); err != nil {
		log.WithField("err", err).Debug("caching access_mode setting")
	}
	return mode
}

func (d *Dispatcher) handleCallback(ctx context.Context, ec eventContext, q *telegram.CallbackQuery) {
	var data = q.Data
	switch {
	case data == "manager_back":
		d.ackCallback(ctx, ec, "")
		d.editDriveMenu(ctx, ec)
	case strings.HasPrefix(data, "cancel_"):
		d.cancelFromButton(ctx, ec, strings.TrimPrefix(data, "cancel_"))
	case strings.HasPrefix(data, "drive_bind_"):
		d.startDriveFlow(ctx, ec, strings.TrimPrefix(data, "drive_bind_"))
	case strings.HasPrefix(data, "drive_use_"):
		d.setDefaultDrive(ctx, ec, strings.TrimPrefix(data, "drive_use_"))
	case strings.HasPrefix(data, "drive_del_"):
		d.removeDrive(ctx, ec, strings.TrimPrefix(data, "drive_del_"))
	case strings.HasPrefix(data, "files_"):
		d.filesCallback(ctx, ec, strings.TrimPrefix(data, "files_"))
	default:
		log.WithField("data", data).Debug("unrouted callback")
		d.ackCallback(ctx, ec, "")
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, ec eventContext, msg *telegram.Message) {
	if strings.HasPrefix(msg.Text, "/") {
		eventsTotal.WithLabelValues("command").Inc()
		d.handleCommand(ctx, ec, msg.Text)
		return
	}
	eventsTotal.WithLabelValues("message").Inc()

	// An active config flow consumes any input first.
	if sess, ok := d.loadSession(ctx, ec.userID); ok {
		d.handleFlowInput(ctx, ec, sess, strings.TrimSpace(msg.Text))
		return
	}
	if media := telegram.MediaOf(msg); media != nil {
		d.handleMedia(ctx, ec, msg, media)
		return
	}
	d.send(ctx, ec.chatID, msgUsage, nil)
}

// handleMedia turns a media-carrying message into a transfer task, or
// buffers it when it belongs to an album.
func (d *Dispatcher) handleMedia(ctx context.Context, ec eventContext, msg *telegram.Message, media *telegram.Media) {
	if _, err := d.drives.GetDefault(ctx, ec.userID); err != nil {
		if errors.Is(err, store.ErrDriveNotFound) {
			d.reply(ctx, ec, msgBindFirst)
		} else {
			log.WithFields(log.Fields{"user": ec.userID, "err": err}).Error("looking up default drive")
			d.reply(ctx, ec, msgTryAgain)
		}
		return
	}

	var task = taskFromMessage(ec, msg, media)
	if msg.MediaGroupID != "" {
		d.bufferGroupTask(msg.MediaGroupID, ec, task)
		return
	}

	var err = d.tasks.AddTask(ctx, task)
	if errors.Is(err, pipeline.ErrDuplicate) {
		d.reply(ctx, ec, fmt.Sprintf(msgDuplicateFmt, task.FileName))
		return
	} else if err != nil {
		log.WithFields(log.Fields{"user": ec.userID, "file": task.FileName, "err": err}).Error("creating task")
		d.reply(ctx, ec, msgTryAgain)
		return
	}

	sent, err := d.chat.Reply(ctx, ec.chatID, ec.messageID,
		fmt.Sprintf(msgQueuedFmt, task.FileName),
		telegram.Row(telegram.InlineButton{Text: "Cancel", Data: "cancel_" + task.ID}))
	if err != nil {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).Warn("sending task confirmation")
		return
	}
	if err = d.tasks.SetReplyMessage(ctx, task.ID, sent); err != nil {
		log.WithFields(log.Fields{"task": task.ID, "err": err}).Warn("recording reply message")
	}
}

func taskFromMessage(ec eventContext, msg *telegram.Message, media *telegram.Media) *store.Task {
	var name = media.FileName
	if name == "" {
		name = fmt.Sprintf("file_%d", msg.MessageID)
	}
	return &store.Task{
		UserID:    ec.userID,
		ChatID:    ec.chatID,
		MessageID: msg.MessageID,
		FileName:  name,
		FileSize:  media.FileSize,
		MimeType:  media.MimeType,
		FileRef:   media.FileRef,
	}
}

// groupBuffer collects one album's members until its window closes.
type groupBuffer struct {
	tasks     []*store.Task
	userID    int64
	chatID    int64
	messageID int64
	deadline  time.Time
	flushBy   time.Time
}

func (d *Dispatcher) bufferGroupTask(groupID string, ec eventContext, task *store.Task) {
	var now = d.clock()
	var g = d.groups[groupID]
	if g == nil {
		g = &groupBuffer{
			userID:    ec.userID,
			chatID:    ec.chatID,
			messageID: ec.messageID,
			flushBy:   now.Add(groupMaxWait),
		}
		d.groups[groupID] = g
	}
	g.tasks = append(g.tasks, task)
	g.deadline = now.Add(groupIdleWait)
	if g.deadline.After(g.flushBy) {
		g.deadline = g.flushBy
	}
}

func (d *Dispatcher) flushDueGroups(ctx context.Context) {
	var now = d.clock()
	for id, g := range d.groups {
		if now.Before(g.deadline) {
			continue
		}
		delete(d.groups, id)
		d.submitGroup(ctx, id, g)
	}
}

// flushAllGroups drains pending albums on shutdown with its own small
// budget, so a graceful stop doesn't drop buffered members.
func (d *Dispatcher) flushAllGroups() {
	if len(d.groups) == 0 {
		return
	}
	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for id, g := range d.groups {
		delete(d.groups, id)
		d.submitGroup(ctx, id, g)
	}
}

func (d *Dispatcher) submitGroup(ctx context.Context, groupID string, g *groupBuffer) {
	created, err := d.tasks.AddBatch(ctx, groupID, g.tasks)
	if err != nil {
		log.WithFields(log.Fields{"group": groupID, "err": err}).Error("submitting media group")
		d.replyTo(ctx, g.chatID, g.messageID, msgTryAgain)
		return
	}
	groupFlushes.Inc()

	if len(created) == 0 {
		d.replyTo(ctx, g.chatID, g.messageID, msgGroupAllDuplicate)
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, msgQueuedGroupFmt, len(created))
	for i, task := range created {
		fmt.Fprintf(&b, "\n%d. %s", i+1, task.FileName)
	}
	d.replyTo(ctx, g.chatID, g.messageID, b.String())
}

func (d *Dispatcher) send(ctx context.Context, chatID int64, text string, kb *telegram.InlineKeyboard) {
	if _, err := d.chat.SendMessage(ctx, chatID, text, kb); err != nil {
		log.WithFields(log.Fields{"chat": chatID, "err": err}).Warn("sending message")
	}
}

func (d *Dispatcher) reply(ctx context.Context, ec eventContext, text string) {
	d.replyTo(ctx, ec.chatID, ec.messageID, text)
}

func (d *Dispatcher) replyTo(ctx context.Context, chatID, messageID int64, text string) {
	if _, err := d.chat.Reply(ctx, chatID, messageID, text, nil); err != nil {
		log.WithFields(log.Fields{"chat": chatID, "err": err}).Warn("sending reply")
	}
}

func (d *Dispatcher) ackCallback(ctx context.Context, ec eventContext, text string) {
	if err := d.chat.AnswerCallback(ctx, ec.queryID, text); err != nil {
		log.WithField("err", err).Debug("answering callback")
	}
}
