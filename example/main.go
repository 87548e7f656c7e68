// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Command example is a protected program that crashes on purpose.
//
// The first instance kills itself after a while and is revived by its
// guardian. The revived instance kills the guardian, which it revives in
// turn, and finally stops supervision and exits.
package main

import (
	"os"
	"strconv"
	"time"

	"github.com/changkun/watchdog"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	total     = 60
	killSelf  = 10
	killGuard = 20
	stop      = 50
)

func main() {
	log := watchdog.NewLogger(false).Named("example")
	defer log.Sync()

	revived := os.Getenv(watchdog.EnvPID) != ""
	w, err := watchdog.Start(os.Args, watchdog.WithLogger(log))
	if err != nil {
		log.Fatal("not protected", zap.Error(err))
	}
	log.Info("protected", zap.Bool("revived", revived), zap.Int("guardian", w.Partner()))

	for i := 0; i < total; i++ {
		switch {
		case i == killSelf && !revived:
			log.Info("killing myself")
			unix.Kill(os.Getpid(), unix.SIGKILL)
		case i == killGuard && revived:
			pid, _ := strconv.Atoi(os.Getenv(watchdog.EnvPID))
			log.Info("killing the guardian", zap.Int("guardian", pid))
			unix.Kill(pid, unix.SIGKILL)
		case i == stop:
			log.Info("stopping supervision")
			if err := w.Stop(); err != nil {
				log.Error("stop", zap.Error(err))
			}
			log.Info("done", zap.Int("revivals", w.Revivals()))
			return
		}
		time.Sleep(time.Second)
	}
}
