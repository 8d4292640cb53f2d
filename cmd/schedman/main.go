// Command schedman はGoogleカレンダー連携の面接スケジューリングAPIサーバーとワーカーを起動する。
//
// 使い方:
//
//	schedman [serve|worker|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/schedman/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "schedman: %v\n", err)
		os.Exit(1)
	}
}
