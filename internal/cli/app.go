package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/normalize"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/imap"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// TokenSource hands out provider OAuth tokens for a user JWT
type TokenSource interface {
	GetToken(ctx context.Context, userJWT string, provider auth.Provider) (*auth.Token, error)
}

// app holds the long-lived pieces shared by every command
type app struct {
	cfg     *config.Config
	store   *sqlite.Store
	tokens  TokenSource
	manager *sync.Manager
	logger  *slog.Logger
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := sqlite.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		store:  store,
		tokens: auth.NewBetterAuthClient(cfg.Auth.BaseURL),
		logger: logger,
	}

	mailboxes := make([]sync.Mailbox, 0, len(cfg.Mailboxes))
	for _, mb := range cfg.Mailboxes {
		mailboxes = append(mailboxes, mb.Mailbox(cfg.Sync))
	}
	a.manager = sync.NewManager(a.driverFactory, mailboxes, logger)
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// driverFactory builds a fresh source and driver for one run, so provider
// tokens are fetched again every run.
func (a *app) driverFactory(ctx context.Context, mb sync.Mailbox) (*sync.Driver, io.Closer, error) {
	mc, ok := a.cfg.Mailbox(mb.ID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", sync.ErrUnknownMailbox, mb.ID)
	}
	source, closer, err := a.newSource(ctx, mc)
	if err != nil {
		return nil, nil, err
	}
	driver, err := sync.NewDriver(sync.DriverConfig{
		Source:      source,
		Messages:    a.store,
		Checkpoints: a.store,
		Locker:      a.store,
		Status:      a.store,
		Normalizer:  normalize.New(),
		Logger:      a.logger,
	})
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, nil, err
	}
	return driver, closer, nil
}

func (a *app) newSource(ctx context.Context, mc config.MailboxConfig) (sync.ChangeSource, io.Closer, error) {
	logger := a.logger.With("mailbox", mc.ID)
	switch mc.Provider {
	case "gmail":
		tok, err := a.token(ctx, mc, auth.ProviderGoogle)
		if err != nil {
			return nil, nil, err
		}
		src, err := gmail.New(ctx, tok, gmail.Options{
			User:     mc.User,
			PageSize: int64(mc.PageSize),
			Query:    mc.Query,
			Logger:   logger,
		})
		return src, nil, err
	case "outlook":
		tok, err := a.token(ctx, mc, auth.ProviderMicrosoft)
		if err != nil {
			return nil, nil, err
		}
		src, err := outlook.New(ctx, tok, outlook.Options{
			User:     mc.User,
			Folder:   mc.Folder,
			PageSize: mc.PageSize,
			Logger:   logger,
		})
		return src, nil, err
	case "imap":
		src := imap.New(imap.Options{
			Host:         mc.IMAP.Host,
			Port:         mc.IMAP.Port,
			Username:     mc.IMAP.Username,
			Password:     mc.IMAP.Password,
			UseTLS:       mc.IMAP.UseTLS,
			Folder:       mc.Folder,
			PageSize:     mc.PageSize,
			LookbackDays: mc.LookbackDays,
			Logger:       logger,
		})
		return src, src, nil
	}
	return nil, nil, fmt.Errorf("mailbox %s: unsupported provider %q", mc.ID, mc.Provider)
}

func (a *app) token(ctx context.Context, mc config.MailboxConfig, provider auth.Provider) (*auth.Token, error) {
	tok, err := a.tokens.GetToken(ctx, mc.UserJWT, provider)
	switch {
	case err == nil:
		return tok, nil
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrNoAccount):
		return nil, sync.Auth("get "+string(provider)+" token", err)
	default:
		return nil, sync.Transient("get "+string(provider)+" token", err)
	}
}
