// Точка входа движка. Без глагола процесс работает демоном: диспетчер
// заданий, cron-расписания и фоновые приглашения до сигнала остановки.
// Операторские глаголы выполняют разовую операцию и завершаются с кодом,
// выведенным из вида ошибки.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"spectra/internal/app"
	"spectra/internal/domain/errkind"
	"spectra/internal/infra/config"
	"spectra/internal/infra/logger"
	"spectra/internal/ops"
)

const usage = `usage: spectra [-config path] [verb [args]]

verbs:
  run                              daemon mode (default)
  archive <target> [-topic id]     archive entity history
  forward [target] [-mode m] [-dest id]
  discover <seed>                  crawl the reference graph from seed
  accounts import|list|test|reset <session>
  channels update-access           re-resolve usernames, refresh access hashes
  schedule add -cron expr -verb v [-payload json] | list | remove <id>
`

func main() {
	configPath := flag.String("config", "config.json", "path to JSON config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Init("info")
		logger.Errorf("config: %v", err)
		os.Exit(ops.ExitConfig)
	}

	logger.Init(cfg.Logging.Level)
	logger.SetScrubber(logger.NewScrubber())
	if cfg.Logging.File != "" {
		logger.EnableFile(logger.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		})
	}
	for _, warn := range cfg.Warnings() {
		logger.Warnf("config: %s", warn)
	}

	// Контекст жизненного цикла с обработкой Ctrl+C и SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := app.NewApp(cfg)
	if err := a.Init(ctx); err != nil {
		stop()
		logger.Errorf("init: %v", err)
		os.Exit(ops.ExitCode(err))
	}

	verb := "run"
	args := flag.Args()
	if len(args) > 0 {
		verb = args[0]
		args = args[1:]
	}

	err = dispatch(ctx, a, cfg, verb, args)
	code := ops.ExitCode(err)
	if err != nil && !errkind.Is(err, errkind.Cancelled) {
		logger.Errorf("%s: %v", verb, err)
	}

	a.Stop()
	stop()
	os.Exit(code)
}

// dispatch выполняет один операторский глагол.
func dispatch(ctx context.Context, a *app.App, cfg *config.Config, verb string, args []string) error {
	switch verb {
	case "run":
		if err := a.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil

	case "archive":
		fs := flag.NewFlagSet("archive", flag.ExitOnError)
		topic := fs.Int64("topic", 0, "forum topic id (0 = full history)")
		target, err := parseVerbArgs(fs, args, true)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		return ops.Archive(ctx, a, target, *topic)

	case "forward":
		fs := flag.NewFlagSet("forward", flag.ExitOnError)
		mode := fs.String("mode", "selective", "selective | total | discover")
		dest := fs.Int64("dest", 0, "destination entity id (0 = config default)")
		target, err := parseVerbArgs(fs, args, false)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		return ops.Forward(ctx, a, *mode, target, *dest)

	case "discover":
		fs := flag.NewFlagSet("discover", flag.ExitOnError)
		seed, err := parseVerbArgs(fs, args, true)
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			return err
		}
		return ops.Discover(ctx, a, seed)

	case "accounts":
		if len(args) == 0 {
			return errkind.Newf(errkind.Configuration, "accounts: subcommand required (import|list|test|reset)")
		}
		switch args[0] {
		case "import":
			return ops.AccountsImport(ctx, a, cfg.Accounts)
		case "list":
			return ops.AccountsList(ctx, a)
		case "test":
			return ops.AccountsTest(ctx, a)
		case "reset":
			if len(args) < 2 {
				return errkind.Newf(errkind.Configuration, "accounts reset: session name required")
			}
			return ops.AccountsReset(ctx, a, args[1])
		default:
			return errkind.Newf(errkind.Configuration, "accounts: unknown subcommand %q", args[0])
		}

	case "channels":
		if len(args) == 0 || args[0] != "update-access" {
			return errkind.Newf(errkind.Configuration, "channels: subcommand required (update-access)")
		}
		return ops.ChannelsUpdateAccess(ctx, a)

	case "schedule":
		if len(args) == 0 {
			return errkind.Newf(errkind.Configuration, "schedule: subcommand required (add|list|remove)")
		}
		switch args[0] {
		case "add":
			fs := flag.NewFlagSet("schedule add", flag.ExitOnError)
			cronExpr := fs.String("cron", "", "cron expression")
			opVerb := fs.String("verb", "", "archive | forward | discover")
			payload := fs.String("payload", "", "job payload JSON")
			if err := fs.Parse(args[1:]); err != nil {
				return errkind.Wrap(errkind.Configuration, err)
			}
			return ops.ScheduleAdd(ctx, a, *cronExpr, *opVerb, *payload)
		case "list":
			return ops.ScheduleList(ctx, a)
		case "remove":
			if len(args) < 2 {
				return errkind.Newf(errkind.Configuration, "schedule remove: id required")
			}
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return errkind.Newf(errkind.Configuration, "schedule remove: bad id %q", args[1])
			}
			return ops.ScheduleRemove(ctx, a, id)
		default:
			return errkind.Newf(errkind.Configuration, "schedule: unknown subcommand %q", args[0])
		}

	default:
		return errkind.Newf(errkind.Configuration, "unknown verb %q", verb)
	}
}

// parseVerbArgs разбирает флаги глагола и возвращает позиционную цель.
func parseVerbArgs(fs *flag.FlagSet, args []string, required bool) (string, error) {
	var target string
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		target = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", errkind.Wrap(errkind.Configuration, err)
	}
	if required && target == "" {
		return "", errkind.Newf(errkind.Configuration, "%s: target argument required", fs.Name())
	}
	return target, nil
}
