// Package proc resumes execution of an s390x thread at a frame recovered
// by an unwinder.
//
// A Cursor holds the registers of the frame and, for frames entered
// through a signal, the location of the kernel's signal record. Resume
// copies the registers into the frame's AddressSpace and hands control to
// it. Address spaces that own their thread (native, gdbserial, emu)
// implement their Resume with LocalResume, which patches the signal record
// and transfers control with the thread's ContextTransfer.
package proc
