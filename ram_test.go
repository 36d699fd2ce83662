// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shm_test

import (
	"encoding/binary"
	"io"

	. "gopkg.in/check.v1"

	"github.com/aamcrae/shm"
)

type slotSuite struct{}

var _ = Suite(&slotSuite{})

func (*slotSuite) TestPaddedSize(c *C) {
	c.Check(shm.PaddedSize(0), Equals, 4)
	c.Check(shm.PaddedSize(1), Equals, 8)
	c.Check(shm.PaddedSize(4), Equals, 8)
	c.Check(shm.PaddedSize(10), Equals, 16)
	c.Check(shm.PaddedSize(60), Equals, 64)
}

func (*slotSuite) TestWriteAndReadPackets(c *C) {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xAA
	}
	out := shm.OpenSlot(buf, binary.NativeEndian)
	c.Check(out.Remaining(), Equals, 56)
	c.Assert(out.WritePacket([]byte("hello")), IsNil)
	c.Assert(out.WritePacket([]byte{}), IsNil)
	c.Assert(out.WritePacket([]byte("abcdefgh")), IsNil)
	c.Check(out.Len(), Equals, 12+4+12)
	out.Finish()

	c.Check(binary.NativeEndian.Uint16(buf), Equals, uint16(28))
	c.Check(buf[2:8], DeepEquals, make([]byte, 6))
	// Padding is cleared.
	c.Check(buf[8+4+5:8+12], DeepEquals, []byte{0, 0, 0})

	in, err := shm.ReadSlot(buf, binary.NativeEndian)
	c.Assert(err, IsNil)
	var pkts []string
	for {
		pkt, err := in.NextPacket()
		if err == io.EOF {
			break
		}
		c.Assert(err, IsNil)
		pkts = append(pkts, string(pkt))
	}
	c.Check(pkts, DeepEquals, []string{"hello", "", "abcdefgh"})
}

func (*slotSuite) TestWritePacketTooLarge(c *C) {
	out := shm.OpenSlot(make([]byte, 64), binary.NativeEndian)
	c.Check(out.WritePacket(make([]byte, 53)), Equals, io.ErrShortWrite)
	c.Check(out.WritePacket(make([]byte, 52)), IsNil)
	c.Check(out.Remaining(), Equals, 0)
}

func (*slotSuite) TestReadSlotLengthTooLarge(c *C) {
	buf := make([]byte, 64)
	binary.NativeEndian.PutUint16(buf, 57)
	_, err := shm.ReadSlot(buf, binary.NativeEndian)
	c.Check(err, ErrorMatches, "slot length 57 exceeds capacity 56")

	binary.NativeEndian.PutUint16(buf, 56)
	_, err = shm.ReadSlot(buf, binary.NativeEndian)
	c.Check(err, IsNil)
}

func (*slotSuite) TestPacketOverrunsSlot(c *C) {
	buf := make([]byte, 64)
	binary.NativeEndian.PutUint16(buf, 8)
	binary.NativeEndian.PutUint16(buf[8:], 20)
	in, err := shm.ReadSlot(buf, binary.NativeEndian)
	c.Assert(err, IsNil)
	_, err = in.NextPacket()
	c.Check(err, ErrorMatches, "packet of 20 bytes at offset 0 overruns slot")
}

func (*slotSuite) TestSeekResumesAtPacket(c *C) {
	buf := make([]byte, 64)
	out := shm.OpenSlot(buf, binary.NativeEndian)
	out.WritePacket([]byte("one"))
	out.WritePacket([]byte("two"))
	out.Finish()

	in, err := shm.ReadSlot(buf, binary.NativeEndian)
	c.Assert(err, IsNil)
	offs, err := in.Seek(int64(shm.PaddedSize(3)), io.SeekStart)
	c.Assert(err, IsNil)
	c.Check(offs, Equals, int64(8))
	pkt, err := in.NextPacket()
	c.Assert(err, IsNil)
	c.Check(string(pkt), Equals, "two")

	_, err = in.Seek(100, io.SeekStart)
	c.Check(err, ErrorMatches, "offset out of range")
}
