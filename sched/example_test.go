// Copyright 2018 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package sched_test

import (
	"fmt"
	"time"

	"github.com/changkun/watchdog/sched"
	"github.com/changkun/watchdog/task"
)

func ExampleScheduler() {
	s := sched.New(sched.WithResolution(time.Millisecond))

	count := 0
	s.Add(time.Millisecond*10, func() task.Signal {
		count++
		fmt.Printf("tick %d\n", count)
		if count == 3 {
			return task.Stop
		}
		return task.Repeat
	}, func() {
		fmt.Println("cleanup")
	})

	if err := s.Run(); err != nil {
		fmt.Println(err)
	}

	// Output:
	// tick 1
	// tick 2
	// tick 3
	// cleanup
}
