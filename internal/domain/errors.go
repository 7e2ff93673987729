// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrUnknownSource = errors.New("unknown source")
var ErrRunAlreadyFinal = errors.New("run already finalized")
