// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/prison/lib/codec"
)

// Frame kinds. A connection carries exactly one launch:
//
//	client: execute (+ std handles) -> server: started | error
//	client: resume | kill            -> server: (no reply)
//	                                  server: exit
const (
	kindExecute = "execute"
	kindStarted = "started"
	kindResume  = "resume"
	kindKill    = "kill"
	kindExit    = "exit"
	kindError   = "error"
)

// maxFrameSize bounds one packet. Requests carry an argv and an
// environment, nothing larger.
const maxFrameSize = 256 * 1024

// maxHandles is the number of descriptors one frame may carry.
const maxHandles = 3

type frame struct {
	Kind     string   `cbor:"kind"`
	Request  *Request `cbor:"request,omitempty"`
	Pid      int      `cbor:"pid,omitempty"`
	ExitCode int      `cbor:"exit_code,omitempty"`
	Error    string   `cbor:"error,omitempty"`
}

// writeFrame sends one frame as one packet, with files attached as
// SCM_RIGHTS.
func writeFrame(conn *net.UnixConn, f frame, files ...*os.File) error {
	payload, err := codec.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Kind, err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("%s frame is %d bytes, limit %d", f.Kind, len(payload), maxFrameSize)
	}

	var oob []byte
	if len(files) > 0 {
		descriptors := make([]int, len(files))
		for index, file := range files {
			descriptors[index] = int(file.Fd())
		}
		oob = unix.UnixRights(descriptors...)
	}
	if _, _, err := conn.WriteMsgUnix(payload, oob, nil); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Kind, err)
	}
	return nil
}

// readFrame reads one packet. Received descriptors are returned as
// files the caller owns. A closed peer reads as io.EOF.
func readFrame(conn *net.UnixConn) (frame, []*os.File, error) {
	buffer := make([]byte, maxFrameSize)
	oob := make([]byte, unix.CmsgSpace(maxHandles*4))

	count, oobCount, flags, _, err := conn.ReadMsgUnix(buffer, oob)
	if err != nil {
		return frame{}, nil, err
	}
	if count == 0 && oobCount == 0 {
		return frame{}, nil, io.EOF
	}

	files, err := parseRights(oob[:oobCount])
	if err != nil {
		return frame{}, nil, err
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		closeAll(files)
		return frame{}, nil, errors.New("executor frame truncated")
	}

	var f frame
	if err := codec.Unmarshal(buffer[:count], &f); err != nil {
		closeAll(files)
		return frame{}, nil, fmt.Errorf("decoding frame: %w", err)
	}
	return f, files, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control message: %w", err)
	}
	var files []*os.File
	for index := range messages {
		descriptors, err := unix.ParseUnixRights(&messages[index])
		if err != nil {
			continue
		}
		for _, descriptor := range descriptors {
			files = append(files, os.NewFile(uintptr(descriptor), fmt.Sprintf("relayed-fd-%d", descriptor)))
		}
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, file := range files {
		if file != nil {
			file.Close()
		}
	}
}
