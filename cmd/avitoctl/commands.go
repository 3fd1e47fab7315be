package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/edgard/avito-autoanswer/internal/avito"
)

const usage = `usage: avitoctl [-env FILE] COMMAND [ARGS]

commands:
  subscribe [--url URL]       subscribe the webhook
  unsubscribe [--url URL]     remove the webhook subscription
  subs                        list webhook subscriptions
  chats [--limit 20 --offset 0 --unread-only --types u2i,u2u]
  chat ID                     show one chat
  msgs ID [--limit 20 --offset 0]
  read ID                     mark a chat as read
  send-text ID TEXT           send a text message
  send-image ID FILE          upload and send an image
  delete ID MESSAGE_ID        delete a sent message
`

var errUsage = errors.New("invalid usage")

// API is the part of the Avito client avitoctl drives.
type API interface {
	Subscribe(ctx context.Context, webhookURL string) error
	Unsubscribe(ctx context.Context, webhookURL string) error
	Subscriptions(ctx context.Context) ([]avito.Subscription, error)
	ListChats(ctx context.Context, opts avito.ChatsOptions) ([]avito.Chat, error)
	GetChat(ctx context.Context, chatID string) (*avito.Chat, error)
	ListMessages(ctx context.Context, chatID string, limit, offset int) ([]avito.Message, error)
	MarkRead(ctx context.Context, chatID string) error
	SendText(ctx context.Context, chatID, text string) (*avito.SentMessage, error)
	UploadImage(ctx context.Context, filePath string) (string, error)
	SendImage(ctx context.Context, chatID, imageID string) (*avito.SentMessage, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) error
}

type app struct {
	api        API
	out        io.Writer
	webhookURL string
}

func (a *app) dispatch(ctx context.Context, args []string) error {
	name, rest := args[0], args[1:]
	switch name {
	case "subscribe", "unsubscribe":
		return a.subscription(ctx, name, rest)
	case "subs":
		subs, err := a.api.Subscriptions(ctx)
		if err != nil {
			return err
		}
		return a.print(subs)
	case "chats":
		return a.chats(ctx, rest)
	case "chat":
		id, err := oneArg(name, rest)
		if err != nil {
			return err
		}
		chat, err := a.api.GetChat(ctx, id)
		if err != nil {
			return err
		}
		return a.print(chat)
	case "msgs":
		return a.messages(ctx, rest)
	case "read":
		id, err := oneArg(name, rest)
		if err != nil {
			return err
		}
		if err := a.api.MarkRead(ctx, id); err != nil {
			return err
		}
		return a.print(map[string]any{"ok": true, "chat_id": id})
	case "send-text":
		if len(rest) < 2 {
			return fmt.Errorf("%w: send-text ID TEXT", errUsage)
		}
		sent, err := a.api.SendText(ctx, rest[0], strings.Join(rest[1:], " "))
		if err != nil {
			return err
		}
		return a.print(sent)
	case "send-image":
		if len(rest) != 2 {
			return fmt.Errorf("%w: send-image ID FILE", errUsage)
		}
		imageID, err := a.api.UploadImage(ctx, rest[1])
		if err != nil {
			return err
		}
		sent, err := a.api.SendImage(ctx, rest[0], imageID)
		if err != nil {
			return err
		}
		return a.print(sent)
	case "delete":
		if len(rest) != 2 || rest[0] == "" || rest[1] == "" {
			return fmt.Errorf("%w: delete ID MESSAGE_ID", errUsage)
		}
		if err := a.api.DeleteMessage(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		return a.print(map[string]any{"ok": true, "chat_id": rest[0], "message_id": rest[1]})
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

func (a *app) subscription(ctx context.Context, name string, args []string) error {
	fs := newFlagSet(name)
	target := fs.String("url", a.webhookURL, "webhook URL")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *target == "" {
		return fmt.Errorf("%w: --url is required when PUBLIC_BASE_URL is not set", errUsage)
	}

	var err error
	if name == "subscribe" {
		err = a.api.Subscribe(ctx, *target)
	} else {
		err = a.api.Unsubscribe(ctx, *target)
	}
	if err != nil {
		return err
	}
	return a.print(map[string]any{"ok": true, "action": name, "url": *target})
}

func (a *app) chats(ctx context.Context, args []string) error {
	fs := newFlagSet("chats")
	limit := fs.Int("limit", 20, "page size")
	offset := fs.Int("offset", 0, "page offset")
	unread := fs.Bool("unread-only", false, "only unread chats")
	types := fs.String("types", "", "comma-separated chat types")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	opts := avito.ChatsOptions{Limit: *limit, Offset: *offset, UnreadOnly: *unread}
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			opts.ChatTypes = append(opts.ChatTypes, t)
		}
	}
	chats, err := a.api.ListChats(ctx, opts)
	if err != nil {
		return err
	}
	return a.print(chats)
}

func (a *app) messages(ctx context.Context, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("%w: msgs ID [--limit N --offset N]", errUsage)
	}
	id := args[0]
	fs := newFlagSet("msgs")
	limit := fs.Int("limit", 20, "page size")
	offset := fs.Int("offset", 0, "page offset")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	msgs, err := a.api.ListMessages(ctx, id, *limit, *offset)
	if err != nil {
		return err
	}
	return a.print(msgs)
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func oneArg(name string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("%w: %s ID", errUsage, name)
	}
	return args[0], nil
}
