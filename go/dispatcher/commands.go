package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/takaraflow/drive-collector-js-sub006/go/drives"
	"github.com/takaraflow/drive-collector-js-sub006/go/pipeline"
	"github.com/takaraflow/drive-collector-js-sub006/go/store"
	"github.com/takaraflow/drive-collector-js-sub006/go/telegram"
)

const filesPageSize = 10

func (d *Dispatcher) handleCommand(ctx context.Context, ec eventContext, text string) {
	switch commandOf(text) {
	case "/start":
		d.send(ctx, ec.chatID, msgWelcome, nil)
	case "/drive":
		d.showDriveMenu(ctx, ec)
	case "/files":
		d.showFilesPage(ctx, ec, 0, 0)
	case "/status":
		d.showStatus(ctx, ec)
	case "/unbind":
		d.unbindAll(ctx, ec)
	case "/cancel":
		d.cancelFlow(ctx, ec)
	default:
		d.send(ctx, ec.chatID, msgUnknownCommand, nil)
	}
}

// commandOf isolates the command word, dropping arguments and the
// @botname suffix group chats append.
func commandOf(text string) string {
	var cmd = strings.Fields(text)[0]
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	return cmd
}

// driveMenu renders the user's bindings with per-drive controls and
// bind buttons for every supported backend.
func (d *Dispatcher) driveMenu(ctx context.Context, userID int64) (string, *telegram.InlineKeyboard, error) {
	list, err := d.drives.ListByUser(ctx, userID)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString(msgDriveMenuHeader)
	var rows [][]telegram.InlineButton
	if len(list) == 0 {
		b.WriteString("\n" + msgNoDrives)
	}
	for _, drv := range list {
		var mark = ""
		if drv.IsDefault {
			mark = " (default)"
		}
		fmt.Fprintf(&b, "\n- %s [%s]%s", drv.Name, drv.Type, mark)
		rows = append(rows, []telegram.InlineButton{
			{Text: "Use " + drv.Name, Data: "drive_use_" + drv.ID},
			{Text: "Remove " + drv.Name, Data: "drive_del_" + drv.ID},
		})
	}
	var bind []telegram.InlineButton
	for _, typ := range drives.Types() {
		bind = append(bind, telegram.InlineButton{Text: "Bind " + typ, Data: "drive_bind_" + typ})
	}
	rows = append(rows, bind)
	return b.String(), telegram.Grid(rows...), nil
}

func (d *Dispatcher) showDriveMenu(ctx context.Context, ec eventContext) {
	text, kb, err := d.driveMenu(ctx, ec.userID)
	if err != nil {
		log.WithFields(log.Fields{"user": ec.userID, "err": err}).Error("rendering drive menu")
		d.send(ctx, ec.chatID, msgTryAgain, nil)
		return
	}
	d.send(ctx, ec.chatID, text, kb)
}

// editDriveMenu refreshes the menu in place after a button press.
func (d *Dispatcher) editDriveMenu(ctx context.Context, ec eventContext) {
	if ec.messageID == 0 {
		return
	}
	text, kb, err := d.driveMenu(ctx, ec.userID)
	if err != nil {
		log.WithFields(log.Fields{"user": ec.userID, "err": err}).Error("rendering drive menu")
		return
	}
	if err = d.chat.EditMessageText(ctx, ec.chatID, ec.messageID, text, kb); err != nil {
		log.WithField("err", err).Warn("editing drive menu")
	}
}

func (d *Dispatcher) setDefaultDrive(ctx context.Context, ec eventContext, id string) {
	if err := d.drives.SetDefault(ctx, ec.userID, id); err != nil {
		log.WithFields(log.Fields{"user": ec.userID, "drive": id, "err": err}).Warn("setting default drive")
		d.ackCallback(ctx, ec, msgTryAgain)
		return
	}
	d.ackCallback(ctx, ec, msgDefaultUpdated)
	d.editDriveMenu(ctx, ec)
}

func (d *Dispatcher) removeDrive(ctx context.Context, ec eventContext, id string) {
	if err := d.drives.Unbind(ctx, ec.userID, id); err != nil {
		log.WithFields(log.Fields{"user": ec.userID, "drive": id, "err": err}).Warn("removing drive")
		d.ackCallback(ctx, ec, msgTryAgain)
		return
	}
	d.ackCallback(ctx, ec, msgDriveRemoved)
	d.editDriveMenu(ctx, ec)
}

func (d *Dispatcher) cancelFromButton(ctx context.Context, ec eventContext, taskID string) {
	var err = d.tasks.CancelTask(ctx, taskID, ec.userID, ec.userID == d.cfg.OwnerID)
	switch {
	case errors.Is(err, pipeline.ErrNotOwner):
		d.ackCallback(ctx, ec, msgCancelNotOwner)
	case errors.Is(err, store.ErrTaskNotFound):
		d.ackCallback(ctx, ec, msgCancelGone)
	case err != nil:
		log.WithFields(log.Fields{"task": taskID, "err": err}).Warn("cancelling task")
		d.ackCallback(ctx, ec, msgTryAgain)
	default:
		d.ackCallback(ctx, ec, msgCancelOK)
	}
}

func (d *Dispatcher) filesCallback(ctx context.Context, ec eventContext, pageToken string) {
	page, err := strconv.Atoi(pageToken)
	if err != nil || page < 0 {
		page = 0
	}
	d.ackCallback(ctx, ec, "")
	d.showFilesPage(ctx, ec, page, ec.messageID)
}

// showFilesPage sends or, when |editID| is set, edits in place one
// page of the user's remote folder listing.
func (d *Dispatcher) showFilesPage(ctx context.Context, ec eventContext, page int, editID int64) {
	text, kb, err := d.renderFilesPage(ctx, ec.userID, page)
	if errors.Is(err, pipeline.ErrNoDrive) {
		d.send(ctx, ec.chatID, msgBindFirst, nil)
		return
	} else if err != nil {
		log.WithFields(log.Fields{"user": ec.userID, "err": err}).Warn("listing remote files")
		d.send(ctx, ec.chatID, msgListFailed, nil)
		return
	}
	if editID != 0 {
		if err = d.chat.EditMessageText(ctx, ec.chatID, editID, text, kb); err != nil {
			log.WithField("err", err).Warn("editing files page")
		}
		return
	}
	d.send(ctx, ec.chatID, text, kb)
}

func (d *Dispatcher) renderFilesPage(ctx context.Context, userID int64, page int) (string, *telegram.InlineKeyboard, error) {
	// One element past the page tells whether a next page exists.
	list, err := d.tasks.ListRemote(ctx, userID, (page+1)*filesPageSize+1)
	if err != nil {
		return "", nil, err
	}
	var start = page * filesPageSize
	for start > 0 && start >= len(list) {
		page--
		start = page * filesPageSize
	}
	var end = min(len(list), start+filesPageSize)

	var b strings.Builder
	fmt.Fprintf(&b, msgFilesHeaderFmt, page+1)
	if end == start {
		b.WriteString("\n" + msgFilesEmpty)
	}
	for _, f := range list[start:end] {
		fmt.Fprintf(&b, "\n- %s (%s)", f.Name, formatBytes(f.Size))
	}

	var nav []telegram.InlineButton
	if page > 0 {
		nav = append(nav, telegram.InlineButton{Text: "Prev", Data: fmt.Sprintf("files_%d", page-1)})
	}
	if len(list) > end {
		nav = append(nav, telegram.InlineButton{Text: "Next", Data: fmt.Sprintf("files_%d", page+1)})
	}
	nav = append(nav, telegram.InlineButton{Text: "Drives", Data: "manager_back"})
	return b.String(), telegram.Row(nav...), nil
}

func (d *Dispatcher) showStatus(ctx context.Context, ec eventContext) {
	var snap = d.tasks.Snapshot()
	var leader = "no"
	if d.locks.IsLeader(ctx) {
		leader = "yes"
	}
	var conn = "unknown"
	if d.connState != nil {
		conn = d.connState()
	}
	d.send(ctx, ec.chatID, fmt.Sprintf(msgStatusFmt,
		d.locks.InstanceID(), leader, conn,
		snap.DownloadWorkers, snap.DownloadBacklog,
		snap.UploadWorkers, snap.UploadBacklog,
		snap.InFlight), nil)
}

func (d *Dispatcher) unbindAll(ctx context.Context, ec eventContext) {
	list, err := d.drives.ListByUser(ctx, ec.userID)
	if err != nil {
		log.WithFields(log.Fields{"user": ec.userID, "err": err}).Error("listing drives")
		d.send(ctx, ec.chatID, msgTryAgain, nil)
		return
	}
	if len(list) == 0 {
		d.send(ctx, ec.chatID, msgNoDrives, nil)
		return
	}
	if err = d.drives.UnbindAll(ctx, ec.userID); err != nil {
		log.WithFields(log.Fields{"user": ec.userID, "err": err}).Error("unbinding drives")
		d.send(ctx, ec.chatID, msgTryAgain, nil)
		return
	}
	d.send(ctx, ec.chatID, fmt.Sprintf(msgUnboundFmt, len(list)), nil)
}

// cancelFlow aborts an in-progress drive config flow, if any.
func (d *Dispatcher) cancelFlow(ctx context.Context, ec eventContext) {
	if _, ok := d.loadSession(ctx, ec.userID); !ok {
		d.send(ctx, ec.chatID, msgNothingToCancel, nil)
		return
	}
	d.clearSession(ctx, ec.userID)
	flowOutcomes.WithLabelValues("cancelled").Inc()
	d.send(ctx, ec.chatID, msgFlowCancelled, nil)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
