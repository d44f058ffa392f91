package app

import (
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobpipe/internal/config"
	"jobpipe/internal/handlers"
	"jobpipe/internal/notifier"
	logx "jobpipe/pkg/logx"
)

// buildCollaborators creates the external converter and model client the
// handlers call. Either may be nil when not configured.
func buildCollaborators(cfg *config.Config, log logx.Logger) (handlers.Converter, handlers.ModelClient, error) {
	var conv handlers.Converter
	if cc := cfg.Handlers.Converter; strings.TrimSpace(cc.Command) != "" {
		conv = handlers.CommandConverter{Command: strings.TrimSpace(cc.Command), Args: cc.Args}
	}
	mc, ok, err := mapModelConfig(cfg)
	if err != nil || !ok {
		return conv, nil, err
	}
	client, err := handlers.NewChatClient(mc, log)
	if err != nil {
		return nil, nil, err
	}
	return conv, client, nil
}

// buildSender returns the Telegram sender, or nil when notifications are
// off or no token is set.
func buildSender(cfg *config.Config, log logx.Logger) (notifier.Sender, error) {
	if cfg.Notifier == nil || !cfg.Notifier.Enabled {
		return nil, nil
	}
	token := telegramToken(cfg)
	if token == "" {
		log.Warn("notifier.no_token", logx.String("hint", "set "+defaultTelegramToken+" or notifier.token_env"))
		return nil, nil
	}
	s, err := notifier.NewTelegramSender(token)
	if err != nil {
		return nil, fmt.Errorf("telegram sender: %w", err)
	}
	return s, nil
}

// sdNotify reports state to systemd when running under a unit with
// Type=notify. Outside systemd it does nothing.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd.notify_failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd.notified", logx.String("state", state))
	}
}
