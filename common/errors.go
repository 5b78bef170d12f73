/*
 *
 * zombie - a deterministic headless browser runtime for Go tests
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

var (
	// ErrQueueDestroyed is returned by operations on a destroyed event queue.
	ErrQueueDestroyed = errors.New("this browser window has been closed")

	// ErrNoWindow is returned when waiting without an open window.
	ErrNoWindow = errors.New("no window open")

	// ErrInvalidWaitDuration is returned for a zero or negative wait duration.
	ErrInvalidWaitDuration = errors.New("wait duration required, cannot be 0")

	// ErrCompletionConsumed is returned when a completion is completed twice.
	ErrCompletionConsumed = errors.New("completion already consumed")

	// ErrTimeout is matched by errors.Is on a TimeoutError.
	ErrTimeout = errors.New("timeout")

	// ErrBrowserClosed is returned by operations on a closed browser.
	ErrBrowserClosed = errors.New("browser is closed")
)

// TimeoutError is returned by a wait that ran out of time while events
// were still expected.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timeout: did not get to load all resources on this page (waited %s)", e.Duration)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ScriptError wraps a failure raised while running page code.
type ScriptError struct {
	Source string
	Err    error
}

func (e *ScriptError) Error() string {
	var ex *goja.Exception
	if errors.As(e.Err, &ex) {
		return fmt.Sprintf("%s: %s", e.Source, ex.Value().String())
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }
