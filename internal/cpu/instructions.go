package cpu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ossim-core/ossim/internal/mailbox"
	"github.com/ossim-core/ossim/internal/pcb"
)

// exec is the CPU's two-phase decoder's first phase: execute instructions
// that need no operand data immediately, and for the rest, issue whatever
// MMU reads they need and suspend behind a pendingOp (spec §4.4 step 7).
func (c *CPU) exec(pid int, p *pcb.PCB, line string) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		c.advance(p)
		return
	}

	switch tokens[0] {
	case "null":
		c.advance(p)
	case "var":
		c.execVar(p, tokens)
	case "alloc":
		c.execAlloc(p, tokens)
	case "free":
		c.execFree(p, tokens)
	case "exit":
		c.execExit(p)
	case "jump":
		c.execJump(p, tokens)
	case "jumpif":
		c.execJumpif(p, tokens)
	case "set":
		c.execSet(p, tokens)
	case "out":
		c.execOut(p, tokens)
	case "inc":
		c.execIncDec(p, tokens, 1)
	case "dec":
		c.execIncDec(p, tokens, -1)
	case "math":
		c.execMath(p, line)
	default:
		c.fault(p, fmt.Sprintf("unknown instruction %q", tokens[0]))
	}
}

func (c *CPU) execVar(p *pcb.PCB, tokens []string) {
	if len(tokens) < 3 {
		c.fault(p, fmt.Sprintf("malformed var instruction %q", strings.Join(tokens, " ")))
		return
	}
	name := tokens[1]
	offset, err := strconv.Atoi(tokens[2])
	if err != nil {
		c.fault(p, fmt.Sprintf("malformed var address %q", tokens[2]))
		return
	}

	addr := offset + p.CodeLength
	c.varCache[p.PID][name] = addr

	if len(tokens) >= 4 {
		value := tokens[3]
		c.mailbox.Put(mailbox.CPU, mailbox.MMU, fmt.Sprintf("write|%d|%d|%s|true", p.PID, addr, value))
		c.sched.Block(p.PID)
	}
	c.advance(p)
}

func (c *CPU) execAlloc(p *pcb.PCB, tokens []string) {
	if len(tokens) < 2 {
		c.fault(p, "malformed alloc instruction")
		return
	}
	n, err := strconv.Atoi(tokens[1])
	if err != nil {
		c.fault(p, fmt.Sprintf("malformed alloc size %q", tokens[1]))
		return
	}
	c.mailbox.Put(mailbox.CPU, mailbox.MMU, fmt.Sprintf("allocate|%d|%d|false", p.PID, n))
	c.sched.Block(p.PID)
	c.advance(p)
}

func (c *CPU) execFree(p *pcb.PCB, tokens []string) {
	if len(tokens) < 2 {
		c.fault(p, "malformed free instruction")
		return
	}
	n, err := strconv.Atoi(tokens[1])
	if err != nil {
		c.fault(p, fmt.Sprintf("malformed free size %q", tokens[1]))
		return
	}
	c.mailbox.Put(mailbox.CPU, mailbox.MMU, fmt.Sprintf("free|%d|%d", p.PID, n))
	c.advance(p)
}

func (c *CPU) execExit(p *pcb.PCB) {
	c.instrCache[p.PID] = ""
	c.sched.Drop(p.PID)
}

func (c *CPU) execJump(p *pcb.PCB, tokens []string) {
	if len(tokens) < 2 {
		c.fault(p, "malformed jump instruction")
		return
	}
	label := tokens[1]
	line, ok := c.labelCache[p.PID][label]
	if !ok {
		c.fault(p, fmt.Sprintf("undefined label %q", label))
		return
	}
	p.PC = line
	c.instrCache[p.PID] = ""
}

func (c *CPU) execJumpif(p *pcb.PCB, tokens []string) {
	if len(tokens) < 5 {
		c.fault(p, "malformed jumpif instruction")
		return
	}
	v1, op, v2, label := tokens[1], tokens[2], tokens[3], tokens[4]
	pid := p.PID

	addr1, ok1 := c.varCache[pid][v1]
	if !ok1 {
		c.fault(p, fmt.Sprintf("undefined variable %q", v1))
		return
	}
	addr2, isVar2 := c.varCache[pid][v2]

	wantReads := 1
	final1 := true
	if isVar2 {
		wantReads = 2
		final1 = false
	}
	c.mailbox.Put(strconv.Itoa(pid), mailbox.MMU, fmt.Sprintf("read|%d|%d|%v", pid, addr1, final1))
	if isVar2 {
		c.mailbox.Put(strconv.Itoa(pid), mailbox.MMU, fmt.Sprintf("read|%d|%d|true", pid, addr2))
	}
	c.sched.Block(pid)

	c.state[pid].pending = &pendingOp{wantReads: wantReads, resume: func(values []string) {
		left := values[0]
		right := v2
		if isVar2 {
			right = values[1]
		}
		match, err := compareValues(left, right, op)
		if err != nil {
			c.fault(p, err.Error())
			return
		}
		if match {
			line, ok := c.labelCache[pid][label]
			if !ok {
				c.fault(p, fmt.Sprintf("undefined label %q", label))
				return
			}
			p.PC = line
		} else {
			p.PC++
		}
		c.instrCache[pid] = ""
	}}
}

func (c *CPU) execSet(p *pcb.PCB, tokens []string) {
	if len(tokens) < 3 {
		c.fault(p, "malformed set instruction")
		return
	}
	lhs, rhs := tokens[1], tokens[2]
	pid := p.PID

	lhsAddr, ok := c.varCache[pid][lhs]
	if !ok {
		c.fault(p, fmt.Sprintf("undefined variable %q", lhs))
		return
	}

	if rhsAddr, ok := c.varCache[pid][rhs]; ok {
		c.mailbox.Put(strconv.Itoa(pid), mailbox.MMU, fmt.Sprintf("read|%d|%d|true", pid, rhsAddr))
		c.state[pid].pending = &pendingOp{wantReads: 1, resume: func(values []string) {
			c.mailbox.Put(mailbox.CPU, mailbox.MMU, fmt.Sprintf("write|%d|%d|%s|true", pid, lhsAddr, values[0]))
			p.PC++
			c.instrCache[pid] = ""
		}}
		return
	}

	c.mailbox.Put(mailbox.CPU, mailbox.MMU, fmt.Sprintf("write|%d|%d|%s|true", pid, lhsAddr, rhs))
	c.advance(p)
}

func (c *CPU) execOut(p *pcb.PCB, tokens []string) {
	if len(tokens) < 2 {
		c.fault(p, "malformed out instruction")
		return
	}
	name := tokens[1]
	pid := p.PID

	addr, ok := c.varCache[pid][name]
	if !ok {
		c.fault(p, fmt.Sprintf("undefined variable %q", name))
		return
	}

	c.mailbox.Put(strconv.Itoa(pid), mailbox.MMU, fmt.Sprintf("read|%d|%d|true", pid, addr))
	c.state[pid].pending = &pendingOp{wantReads: 1, resume: func(values []string) {
		c.writeOutput(p, values[0])
		p.PC++
		c.instrCache[pid] = ""
	}}
}

func (c *CPU) execIncDec(p *pcb.PCB, tokens []string, delta float64) {
	if len(tokens) < 2 {
		c.fault(p, "malformed inc/dec instruction")
		return
	}
	name := tokens[1]
	pid := p.PID

	addr, ok := c.varCache[pid][name]
	if !ok {
		c.fault(p, fmt.Sprintf("undefined variable %q", name))
		return
	}

	c.mailbox.Put(strconv.Itoa(pid), mailbox.MMU, fmt.Sprintf("read|%d|%d|true", pid, addr))
	c.state[pid].pending = &pendingOp{wantReads: 1, resume: func(values []string) {
		v, err := strconv.ParseFloat(values[0], 64)
		if err != nil {
			c.fault(p, fmt.Sprintf("cannot parse %q as a number", values[0]))
			return
		}
		v += delta
		c.mailbox.Put(mailbox.CPU, mailbox.MMU, fmt.Sprintf("write|%d|%d|%s|true", pid, addr, formatDouble(v)))
		p.PC++
		c.instrCache[pid] = ""
	}}
}

func (c *CPU) execMath(p *pcb.PCB, line string) {
	pid := p.PID
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "math"))
	expr := normalizeExpr(rest)

	target, rhs, ok := splitAssignment(expr)
	if !ok {
		c.fault(p, fmt.Sprintf("malformed math expression %q", rest))
		return
	}
	targetAddr, ok := c.varCache[pid][target]
	if !ok {
		c.fault(p, fmt.Sprintf("undefined variable %q", target))
		return
	}

	var operands []string
	var addrs []int
	for _, name := range identifierTokens(rhs) {
		if addr, ok := c.varCache[pid][name]; ok {
			operands = append(operands, name)
			addrs = append(addrs, addr)
		}
	}

	if len(operands) == 0 {
		val, err := evaluateMath(rhs)
		if err != nil {
			c.fault(p, err.Error())
			return
		}
		c.mailbox.Put(mailbox.CPU, mailbox.MMU, fmt.Sprintf("write|%d|%d|%s|true", pid, targetAddr, formatDouble(val)))
		c.sched.Block(pid)
		p.PC++
		c.instrCache[pid] = ""
		return
	}

	for i, addr := range addrs {
		final := i == len(addrs)-1
		c.mailbox.Put(strconv.Itoa(pid), mailbox.MMU, fmt.Sprintf("read|%d|%d|%v", pid, addr, final))
	}

	c.state[pid].pending = &pendingOp{wantReads: len(operands), resume: func(values []string) {
		substitutions := make(map[string]string, len(operands))
		for i, name := range operands {
			substitutions[name] = values[i]
		}
		substituted := substituteVars(rhs, substitutions)

		val, err := evaluateMath(substituted)
		if err != nil {
			c.fault(p, err.Error())
			return
		}
		c.mailbox.Put(mailbox.CPU, mailbox.MMU, fmt.Sprintf("write|%d|%d|%s|true", pid, targetAddr, formatDouble(val)))
		c.sched.Block(pid)
		p.PC++
		c.instrCache[pid] = ""
	}}
}
