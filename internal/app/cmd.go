package app

// Command はアプリケーションの起動モード。
type Command string

const (
	// CommandServe はHTTP APIとバックグラウンドジョブを同一プロセスで実行する。
	CommandServe Command = "serve"
	// CommandWorker はHTTPを公開せず、スケジュール実行と滞留タスクの回収のみを行う。
	CommandWorker Command = "worker"
	// CommandMigrate はPostgreSQLのスキーマを最新にして終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを確認して終了する。
	// distrolessイメージにはcurlがないため、Dockerのヘルスチェックから使う。
	CommandHealthcheck Command = "healthcheck"
)

var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数をサブコマンドとして解釈する。
// 引数なし、または未知のサブコマンドはserveとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
