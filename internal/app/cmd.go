package app

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hitoshi/medremind/internal/schedule"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はWebhookサーバーモード。引数なしの既定値。
	CommandServe Command = "serve"
	// CommandWorker はリマインダー配信とクリーンアップのみを実行する常駐モード。
	CommandWorker Command = "worker"
	// CommandRemind は1回分のリマインダーを配信して終了する。外部のcronから呼ぶ想定。
	CommandRemind Command = "remind"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp はサブコマンドの一覧を表示する。
	CommandHelp Command = "help"
)

// ErrUnknownCommand は未対応のサブコマンドが指定されたことを示す。
var ErrUnknownCommand = errors.New("unknown command")

// commands はUsageの表示順。
var commands = []struct {
	cmd     Command
	args    string
	summary string
}{
	{CommandServe, "", "LINE Webhookを受け付ける（既定）"},
	{CommandWorker, "", "リマインダー配信と期限切れデータの掃除だけを行う"},
	{CommandRemind, "[HH:MM]", "指定時刻（省略時は現在時刻）のリマインダーを1回だけ配信する"},
	{CommandMigrate, "", "未適用のマイグレーションを適用する"},
	{CommandHealthcheck, "", "ローカルの /health を確認する"},
	{CommandHelp, "", "この一覧を表示する"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。2番目以降の引数は見ない。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	name := strings.ToLower(strings.TrimSpace(args[0]))
	if name == "-h" || name == "--help" {
		return CommandHelp, nil
	}
	for _, c := range commands {
		if string(c.cmd) == name {
			return c.cmd, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, args[0])
}

// Usage はサブコマンドの一覧を w に書き出す。
func Usage(w io.Writer) {
	fmt.Fprintln(w, "usage: medremind <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commands {
		name := string(c.cmd)
		if c.args != "" {
			name += " " + c.args
		}
		fmt.Fprintf(w, "  %-20s %s\n", name, c.summary)
	}
}

// remindAt は remind サブコマンドの配信時刻を返す。
// args[1] があればその時刻（loc での今日）、なければ now をそのまま使う。
func remindAt(args []string, now time.Time, loc *time.Location) (time.Time, error) {
	if len(args) < 2 {
		return now, nil
	}
	hhmm, err := schedule.ParseTime(args[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid remind time %q: %w", args[1], err)
	}
	day := now.In(loc).Format(time.DateOnly)
	return time.ParseInLocation(time.DateOnly+" 15:04", day+" "+hhmm, loc)
}
