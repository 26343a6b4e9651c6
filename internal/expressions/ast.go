package expressions

// node is an AST node of the condition language.
type node interface {
	pos() int
}

type literalNode struct {
	value any
	at    int
}

// nameNode is a possibly dotted reference: a, a.b, a.b.c.
type nameNode struct {
	path []string
	at   int
}

type listNode struct {
	items []node
	at    int
}

type unaryNode struct {
	op string
	x  node
	at int
}

type binaryNode struct {
	op   string
	l, r node
	at   int
}

// logicalNode short-circuits; op is "and" or "or".
type logicalNode struct {
	op   string
	l, r node
	at   int
}

// compareNode holds a chain: operands[0] ops[0] operands[1] ops[1] ...
type compareNode struct {
	ops      []string
	operands []node
	at       int
}

type ternaryNode struct {
	cond, then, els node
	at              int
}

type callNode struct {
	fn   string
	args []node
	at   int
}

type indexNode struct {
	x, index node
	at       int
}

func (n *literalNode) pos() int { return n.at }
func (n *nameNode) pos() int    { return n.at }
func (n *listNode) pos() int    { return n.at }
func (n *unaryNode) pos() int   { return n.at }
func (n *binaryNode) pos() int  { return n.at }
func (n *logicalNode) pos() int { return n.at }
func (n *compareNode) pos() int { return n.at }
func (n *ternaryNode) pos() int { return n.at }
func (n *callNode) pos() int    { return n.at }
func (n *indexNode) pos() int   { return n.at }

// walk visits n and every descendant in depth-first order.
func walk(n node, visit func(node)) {
	if n == nil {
		return
	}
	visit(n)
	switch v := n.(type) {
	case *listNode:
		for _, it := range v.items {
			walk(it, visit)
		}
	case *unaryNode:
		walk(v.x, visit)
	case *binaryNode:
		walk(v.l, visit)
		walk(v.r, visit)
	case *logicalNode:
		walk(v.l, visit)
		walk(v.r, visit)
	case *compareNode:
		for _, o := range v.operands {
			walk(o, visit)
		}
	case *ternaryNode:
		walk(v.cond, visit)
		walk(v.then, visit)
		walk(v.els, visit)
	case *callNode:
		for _, a := range v.args {
			walk(a, visit)
		}
	case *indexNode:
		walk(v.x, visit)
		walk(v.index, visit)
	}
}
