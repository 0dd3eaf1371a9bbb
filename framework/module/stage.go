/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package module

import (
	"context"
)

// Condition selects the recipients of a message an action applies to.
//
// Match must not modify msg. Returning an empty slice means no match.
// Modules implementing Condition are registered with the "condition."
// prefix.
type Condition interface {
	Match(ctx context.Context, msg *Message) ([]string, error)
}

// Action is applied to a message scoped to the recipients selected by a
// Condition.
//
// msg.Recipients contains only the selected subset. Apply can remove
// recipients to mark them handled, change msg.State and modify other
// fields. Modules implementing Action are registered with the "action."
// prefix.
type Action interface {
	Apply(ctx context.Context, msg *Message) error
}

// Enqueuer is used by actions producing new messages (bounces,
// notifications) to put them into the spool.
type Enqueuer interface {
	// Enqueue stores a new message. msg.Key is assigned if empty.
	Enqueue(ctx context.Context, msg *Message, body []byte) error
}
