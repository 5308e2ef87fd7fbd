// Copyright 2026 The Forge Control Plane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversInOrderPerType(t *testing.T) {
	b := New(nil)
	var order []int

	b.Subscribe(TypeAssetProduced, func(e Event) { order = append(order, 1) })
	b.Subscribe(TypeAssetProduced, func(e Event) { order = append(order, 2) })

	b.Publish(Event{Type: TypeAssetProduced})

	assert.Equal(t, []int{1, 2}, order)
}

func TestPublishIgnoresUnsubscribedType(t *testing.T) {
	b := New(nil)
	called := false
	b.Subscribe(TypeAssetProduced, func(e Event) { called = true })

	b.Publish(Event{Type: TypeAssetExpired})

	assert.False(t, called)
}

func TestSubscriberPanicDoesNotStopOtherSubscribers(t *testing.T) {
	b := New(nil)
	secondCalled := false

	b.Subscribe(TypeAssetProduced, func(e Event) { panic("boom") })
	b.Subscribe(TypeAssetProduced, func(e Event) { secondCalled = true })

	assert.NotPanics(t, func() { b.Publish(Event{Type: TypeAssetProduced}) })
	assert.True(t, secondCalled)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	calls := 0
	unsub := b.Subscribe(TypeAssetProduced, func(e Event) { calls++ })

	b.Publish(Event{Type: TypeAssetProduced})
	unsub()
	b.Publish(Event{Type: TypeAssetProduced})

	assert.Equal(t, 1, calls)
}
