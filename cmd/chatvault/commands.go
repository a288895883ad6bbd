package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/chatvault/apperr"
	"github.com/mesmerverse/chatvault/backup"
	"github.com/mesmerverse/chatvault/chatstore"
	"github.com/mesmerverse/chatvault/identity"
	"github.com/mesmerverse/chatvault/messenger"
	"github.com/mesmerverse/chatvault/messenger/natstransport"
)

type command func(ctx context.Context, a *app, args []string, out io.Writer) error

var commands = map[string]command{
	"init":          cmdInit,
	"whoami":        cmdWhoami,
	"unlock":        cmdUnlock,
	"passwd":        cmdPasswd,
	"verify":        cmdVerify,
	"users":         cmdUsers,
	"conversation":  cmdConversation,
	"conversations": cmdConversations,
	"history":       cmdHistory,
	"delete":        cmdDelete,
	"send":          cmdSend,
	"listen":        cmdListen,
	"backup":        cmdBackup,
	"backups":       cmdBackups,
	"restore":       cmdRestore,
}

// lookupPasscode is replaced in tests.
var lookupPasscode = os.LookupEnv

func passcodeFrom(name string) (string, error) {
	v, ok := lookupPasscode(name)
	if !ok || v == "" {
		return "", apperr.Validation("passcode", "%s is not set", name)
	}
	return v, nil
}

func unlock(ctx context.Context, a *app) error {
	passcode, err := passcodeFrom(envPasscode)
	if err != nil {
		return err
	}
	return a.identity.Unlock(ctx, passcode)
}

func requireArgs(op string, args []string, n int) error {
	if len(args) < n {
		return apperr.Validation(op, "expected %d argument(s), got %d", n, len(args))
	}
	return nil
}

func pageArg(op string, args []string, i int) (int, error) {
	if len(args) <= i {
		return 1, nil
	}
	page, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, apperr.Validation(op, "page %q is not a number", args[i])
	}
	return page, nil
}

func cmdInit(ctx context.Context, a *app, args []string, out io.Writer) error {
	passcode, err := passcodeFrom(envPasscode)
	if err != nil {
		return err
	}
	phrase, err := a.identity.Setup(ctx, passcode)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "public key:      %s\n", a.identity.PublicKey())
	fmt.Fprintf(out, "recovery phrase: %s\n", phrase)
	fmt.Fprintln(out, "Write the recovery phrase down. It will not be shown again.")
	return nil
}

func cmdWhoami(ctx context.Context, a *app, args []string, out io.Writer) error {
	if a.identity.State() == identity.StateAbsent {
		return apperr.NotFound("whoami", "no identity for %q", a.identity.UserID())
	}
	fmt.Fprintf(out, "%s %s\n", a.identity.UserID(), a.identity.PublicKey())
	return nil
}

func cmdUnlock(ctx context.Context, a *app, args []string, out io.Writer) error {
	if err := unlock(ctx, a); err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func cmdPasswd(ctx context.Context, a *app, args []string, out io.Writer) error {
	oldPasscode, err := passcodeFrom(envPasscode)
	if err != nil {
		return err
	}
	newPasscode, err := passcodeFrom(envNewPasscode)
	if err != nil {
		return err
	}
	if err := a.identity.ChangePasscode(ctx, oldPasscode, newPasscode); err != nil {
		return err
	}
	fmt.Fprintln(out, "passcode changed")
	return nil
}

func cmdVerify(ctx context.Context, a *app, args []string, out io.Writer) error {
	if err := requireArgs("verify", args, 1); err != nil {
		return err
	}
	passcode, err := passcodeFrom(envPasscode)
	if err != nil {
		return err
	}
	ok, err := a.identity.VerifyRecoveryPhrase(ctx, passcode, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Validation("verify", "recovery phrase does not match")
	}
	fmt.Fprintln(out, "recovery phrase matches")
	return nil
}

func cmdUsers(ctx context.Context, a *app, args []string, out io.Writer) error {
	ids, err := a.vault.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func cmdConversation(ctx context.Context, a *app, args []string, out io.Writer) error {
	if err := requireArgs("conversation", args, 1); err != nil {
		return err
	}
	conv := chatstore.Conversation{
		ID:           args[0],
		CreatedAt:    time.Now().UTC(),
		Participants: []string{a.identity.UserID()},
	}
	if existing, err := a.chats.GetConversation(ctx, args[0]); err != nil {
		return err
	} else if existing != nil {
		conv = *existing
	}
	if len(args) > 1 {
		conv.Title = strings.Join(args[1:], " ")
	}
	return a.chats.SaveConversation(ctx, conv)
}

func cmdConversations(ctx context.Context, a *app, args []string, out io.Writer) error {
	page, err := pageArg("conversations", args, 0)
	if err != nil {
		return err
	}
	res, err := a.chats.GetConversations(ctx, page, a.cfg.Pagination.DefaultPageSize)
	if err != nil {
		return err
	}
	for _, c := range res.Items {
		fmt.Fprintf(out, "%s\t%s\t%s\n", c.ID, c.CreatedAt.Format(time.RFC3339), c.Title)
	}
	if res.HasMore {
		fmt.Fprintf(out, "(more: page %d)\n", res.Page+1)
	}
	return nil
}

// cmdHistory prints a page of messages. Encrypted payloads are shown only
// when a passcode is available.
func cmdHistory(ctx context.Context, a *app, args []string, out io.Writer) error {
	if err := requireArgs("history", args, 1); err != nil {
		return err
	}
	page, err := pageArg("history", args, 1)
	if err != nil {
		return err
	}
	res, err := a.chats.GetChats(ctx, args[0], page, a.cfg.Pagination.DefaultPageSize)
	if err != nil {
		return err
	}

	if _, ok := lookupPasscode(envPasscode); ok {
		if err := unlock(ctx, a); err != nil {
			return err
		}
	}
	m := messenger.New(a.identity, a.chats, nil, messenger.Options{StoreCiphertext: a.cfg.Storage.EncryptAtRest})

	for _, msg := range res.Items {
		text := "[encrypted]"
		if !msg.Payload.Encrypted() || a.identity.State() == identity.StateUnlocked {
			if text, err = m.Reveal(msg); err != nil {
				log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to decrypt stored message")
				text = "[unreadable]"
			}
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", msg.CreatedAt.Format(time.RFC3339), msg.SenderID, text)
	}
	if res.HasMore {
		fmt.Fprintf(out, "(more: page %d)\n", res.Page+1)
	}
	return nil
}

func cmdDelete(ctx context.Context, a *app, args []string, out io.Writer) error {
	if err := requireArgs("delete", args, 1); err != nil {
		return err
	}
	return a.chats.DeleteConversation(ctx, args[0])
}

func connectMessenger(ctx context.Context, a *app) (*messenger.Messenger, func(), error) {
	if err := unlock(ctx, a); err != nil {
		return nil, nil, err
	}
	transport, err := natstransport.Connect(a.cfg.Transport.NATS)
	if err != nil {
		return nil, nil, err
	}
	m := messenger.New(a.identity, a.chats, transport, messenger.Options{StoreCiphertext: a.cfg.Storage.EncryptAtRest})
	return m, transport.Close, nil
}

func cmdSend(ctx context.Context, a *app, args []string, out io.Writer) error {
	if err := requireArgs("send", args, 5); err != nil {
		return err
	}
	m, closeTransport, err := connectMessenger(ctx, a)
	if err != nil {
		return err
	}
	defer closeTransport()

	msg, err := m.Send(ctx, messenger.Outgoing{
		ConversationID:     args[0],
		MessageID:          args[1],
		RecipientID:        args[2],
		RecipientPublicKey: args[3],
		Text:               strings.Join(args[4:], " "),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "sent %s\n", msg.ID)
	return nil
}

func cmdListen(ctx context.Context, a *app, args []string, out io.Writer) error {
	m, closeTransport, err := connectMessenger(ctx, a)
	if err != nil {
		return err
	}
	defer closeTransport()
	return m.Listen(ctx)
}

func backupManager(ctx context.Context, a *app) (*backup.Manager, error) {
	if a.cfg.Backup.S3.Bucket == "" {
		return nil, apperr.Validation("backup", "backup.s3.bucket is not configured")
	}
	objects, err := backup.NewS3ObjectStore(ctx, a.cfg.Backup.S3)
	if err != nil {
		return nil, err
	}
	return backup.NewManager(a.identity.UserID(), a.engine, a.schema, a.crypto, objects, a.cfg.Backup.S3.KeyPrefix), nil
}

func cmdBackup(ctx context.Context, a *app, args []string, out io.Writer) error {
	passcode, err := passcodeFrom(envPasscode)
	if err != nil {
		return err
	}
	bm, err := backupManager(ctx, a)
	if err != nil {
		return err
	}
	res, err := bm.Create(ctx, passcode)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%d bytes\n", res.Key, res.Size)
	return nil
}

func cmdBackups(ctx context.Context, a *app, args []string, out io.Writer) error {
	bm, err := backupManager(ctx, a)
	if err != nil {
		return err
	}
	keys, err := bm.List(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Fprintln(out, k)
	}
	return nil
}

func cmdRestore(ctx context.Context, a *app, args []string, out io.Writer) error {
	passcode, err := passcodeFrom(envPasscode)
	if err != nil {
		return err
	}
	bm, err := backupManager(ctx, a)
	if err != nil {
		return err
	}

	key := ""
	if len(args) > 0 {
		key = args[0]
	} else if key, err = bm.Latest(ctx); err != nil {
		return err
	} else if key == "" {
		return apperr.NotFound("restore", "no backups for %q", a.identity.UserID())
	}

	if err := bm.Restore(ctx, key, passcode); err != nil {
		return err
	}
	// The restored store may hold a different identity record.
	a.vault.Invalidate()
	if _, err := a.identity.Load(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "restored %s\n", key)
	return nil
}
