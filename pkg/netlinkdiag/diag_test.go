// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netlinkdiag

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diagMsgBytes(t *testing.T, family, state uint8) []byte {
	t.Helper()
	buf := make([]byte, inetDiagMsgLen)
	buf[0] = family
	buf[1] = state
	return buf
}

func TestProcessBatchDeliversEachMessageToHandler(t *testing.T) {
	var got []InetDiagMsg
	cb := func(msg InetDiagMsg, attrs []byte) { got = append(got, msg) }

	msgs := []netlink.Message{
		{Header: netlink.Header{Type: netlink.HeaderType(sockDiagByFamily)}, Data: diagMsgBytes(t, 2, 1)},
		{Header: netlink.Header{Type: netlink.HeaderType(sockDiagByFamily)}, Data: diagMsgBytes(t, 2, 10)},
	}

	done, err := processBatch(msgs, cb, logr.Discard())
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, got, 2)
	assert.Equal(t, uint8(1), got[0].State)
	assert.Equal(t, uint8(10), got[1].State)
}

func TestProcessBatchStopsOnDone(t *testing.T) {
	var calls int
	cb := func(msg InetDiagMsg, attrs []byte) { calls++ }

	msgs := []netlink.Message{
		{Header: netlink.Header{Type: netlink.HeaderType(sockDiagByFamily)}, Data: diagMsgBytes(t, 2, 1)},
		{Header: netlink.Header{Type: netlink.Done}},
		{Header: netlink.Header{Type: netlink.HeaderType(sockDiagByFamily)}, Data: diagMsgBytes(t, 2, 10)},
	}

	done, err := processBatch(msgs, cb, logr.Discard())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, calls)
}

func TestProcessBatchSkipsErrorWithoutInvokingHandler(t *testing.T) {
	var calls int
	cb := func(msg InetDiagMsg, attrs []byte) { calls++ }

	msgs := []netlink.Message{
		{Header: netlink.Header{Type: netlink.Error, Sequence: 7}},
	}

	done, err := processBatch(msgs, cb, logr.Discard())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 0, calls)
}

func TestProcessBatchDropsShortMessage(t *testing.T) {
	var calls int
	cb := func(msg InetDiagMsg, attrs []byte) { calls++ }

	msgs := []netlink.Message{
		{Header: netlink.Header{Type: netlink.HeaderType(sockDiagByFamily)}, Data: []byte{1, 2}},
	}

	done, err := processBatch(msgs, cb, logr.Discard())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 0, calls)
}
