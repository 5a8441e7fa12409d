package regnum

import "fmt"

// The mapping between hardware registers and DWARF registers is specified
// in the ELF Application Binary Interface s390x Supplement, section
// "DWARF Definition". Floating point registers are not numbered in
// hardware order: DWARF 16..31 map to f0 f2 f4 f6 f1 f3 f5 f7 f8 f10 f12
// f14 f9 f11 f13 f15.
// https://github.com/IBM/s390x-abi

const (
	// General Purpose Registers: from R0 to R15
	S390X_R0  = 0
	S390X_R1  = 1
	S390X_R2  = 2
	S390X_R3  = 3
	S390X_R4  = 4
	S390X_R5  = 5
	S390X_R6  = 6
	S390X_R7  = 7
	S390X_R8  = 8
	S390X_R9  = 9
	S390X_R10 = 10
	S390X_R11 = 11
	S390X_R12 = 12
	S390X_R13 = 13
	S390X_R14 = 14
	S390X_R15 = 15

	// Floating point registers, DWARF order
	S390X_F0  = 16
	S390X_F2  = 17
	S390X_F4  = 18
	S390X_F6  = 19
	S390X_F1  = 20
	S390X_F3  = 21
	S390X_F5  = 22
	S390X_F7  = 23
	S390X_F8  = 24
	S390X_F10 = 25
	S390X_F12 = 26
	S390X_F14 = 27
	S390X_F9  = 28
	S390X_F11 = 29
	S390X_F13 = 30
	S390X_F15 = 31

	// S390X_LAST_REG is the last register copied out of a cursor when its
	// state is established.
	S390X_LAST_REG = S390X_F15

	// Not a DWARF register: the address part of the PSW.
	S390X_IP = 32

	S390X_LR = S390X_R14 // Link register
	S390X_SP = S390X_R15 // Stack pointer

	_S390X_MaxRegNum = S390X_IP
)

var s390xFPRNumbers = [...]int{0, 2, 4, 6, 1, 3, 5, 7, 8, 10, 12, 14, 9, 11, 13, 15}

// S390XIsFPReg returns true if num is a floating point register.
func S390XIsFPReg(num uint64) bool {
	return num >= S390X_F0 && num <= S390X_F15
}

// S390XFPRNumber returns the hardware floating point register number (the
// index into the kernel's fprs array) of DWARF register num.
func S390XFPRNumber(num uint64) int {
	if !S390XIsFPReg(num) {
		return -1
	}
	return s390xFPRNumbers[num-S390X_F0]
}

func S390XToName(num uint64) string {
	switch {
	case num <= S390X_R15:
		return fmt.Sprintf("r%d", num)
	case S390XIsFPReg(num):
		return fmt.Sprintf("f%d", S390XFPRNumber(num))
	case num == S390X_IP:
		return "ip"
	default:
		return fmt.Sprintf("unknown%d", num)
	}
}

func S390XMaxRegNum() uint64 {
	return _S390X_MaxRegNum
}

var S390XNameToDwarf = func() map[string]int {
	r := make(map[string]int)
	for i := 0; i <= 15; i++ {
		r[fmt.Sprintf("r%d", i)] = S390X_R0 + i
	}
	for i, n := range s390xFPRNumbers {
		r[fmt.Sprintf("f%d", n)] = S390X_F0 + i
	}
	r["ip"] = S390X_IP
	r["pswa"] = S390X_IP
	r["sp"] = S390X_SP
	r["lr"] = S390X_LR
	return r
}()
