package memory

// GuestAddressSpaceView pins a GuestAddressSpace to one guest CR3, the
// usual way a vCPU's in-flight translations are performed: per
// original_source/mythril/src/memory.rs's GuestAddressSpaceView.
type GuestAddressSpaceView struct {
	space *GuestAddressSpace
	cr3   GuestPhysAddr
}

// NewGuestAddressSpaceView binds space to cr3.
func NewGuestAddressSpaceView(cr3 GuestPhysAddr, space *GuestAddressSpace) *GuestAddressSpaceView {
	return &GuestAddressSpaceView{space: space, cr3: cr3}
}

func (v *GuestAddressSpaceView) TranslateLinearAddress(addr GuestVirtAddr, access GuestAccess) (GuestPhysAddr, error) {
	return v.space.TranslateLinearAddress(v.cr3, addr, access)
}

func (v *GuestAddressSpaceView) FindHostFrame(addr GuestPhysAddr) (HostPhysFrame, error) {
	return v.space.FindHostFrame(addr)
}

// frameIter walks consecutive BasePageSize-sized guest pages starting at
// addr, resolving each to a host frame. Permission changes can only occur at
// this granularity, matching the original's own comment.
type frameIter struct {
	view *GuestAddressSpaceView
	addr GuestVirtAddr
	access GuestAccess
}

func (v *GuestAddressSpaceView) frameIter(addr GuestVirtAddr, access GuestAccess) *frameIter {
	return &frameIter{view: v, addr: addr, access: access}
}

// next returns the host frame backing the current guest page and advances
// to the following page; the caller decides when to stop based on remaining
// byte count, since frameIter has no end-of-address-space sentinel (matching
// the original's own //TODO).
func (it *frameIter) next() (HostPhysFrame, error) {
	old := it.addr
	it.addr = AddToGuestVirtAddr(it.addr, BasePageSize)

	physAddr, err := it.view.TranslateLinearAddress(old, it.access)
	if err != nil {
		return HostPhysFrame{}, err
	}

	return it.view.FindHostFrame(physAddr)
}

// ReadBytes copies length bytes starting at addr out of the guest's address
// space, following frameIter across page boundaries.
func (v *GuestAddressSpaceView) ReadBytes(addr GuestVirtAddr, length int, access GuestAccess) ([]byte, error) {
	out := make([]byte, 0, length)
	it := v.frameIter(addr, access)

	startOffset := int(addr.Uint64() % BasePageSize)

	for length > 0 {
		frame, err := it.next()
		if err != nil {
			return nil, err
		}

		array := frameBytes(frame)

		end := startOffset + length
		if end > BasePageSize {
			end = BasePageSize
		}

		slice := array[startOffset:end]
		out = append(out, slice...)
		length -= len(slice)
		startOffset = 0
	}

	return out, nil
}

// WriteBytes copies bytes into the guest's address space starting at addr,
// following frameIter across page boundaries.
func (v *GuestAddressSpaceView) WriteBytes(addr GuestVirtAddr, data []byte, access GuestAccess) error {
	it := v.frameIter(addr, access)

	startOffset := int(addr.Uint64() % BasePageSize)

	for len(data) > 0 {
		frame, err := it.next()
		if err != nil {
			return err
		}

		array := frameBytes(frame)

		if startOffset+len(data) <= BasePageSize {
			copy(array[startOffset:startOffset+len(data)], data)

			return nil
		}

		n := BasePageSize - startOffset
		copy(array[startOffset:], data[:n])
		data = data[n:]
		startOffset = 0
	}

	return nil
}
