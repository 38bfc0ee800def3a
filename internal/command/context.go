package command

import (
	"sync"

	"cmdwarden/internal/gitinfo"
)

// Caller classifies who submitted a command; rules can be scoped to AI
// callers, human callers, or both.
type Caller string

const (
	CallerAI      Caller = "ai"
	CallerHuman   Caller = "human"
	CallerUnknown Caller = ""
)

// Context is the immutable per-request snapshot rule conditions evaluate
// against. Git facts are populated lazily on first access and come from the
// shared gitinfo cache.
type Context struct {
	Raw    string
	Exe    string
	Args   []string
	Dir    string
	Env    map[string]string
	Caller Caller

	argv     []string
	gitCache *gitinfo.Cache
	gitOnce  sync.Once
	gitFacts gitinfo.Facts
}

func NewContext(raw string, dir string, env map[string]string, caller Caller, gitCache *gitinfo.Cache) *Context {
	argv := Tokenize(raw)
	context := &Context{
		Raw:      raw,
		Exe:      BaseExecutable(argv),
		Dir:      dir,
		Env:      env,
		Caller:   caller,
		argv:     argv,
		gitCache: gitCache,
	}
	if len(argv) > 1 {
		context.Args = argv[1:]
	}
	return context
}

// Argv returns a copy of the original argument vector. The executor handoff
// receives this vector, never a re-assembled shell string.
func (context *Context) Argv() []string {
	argv := make([]string, len(context.argv))
	copy(argv, context.argv)
	return argv
}

func (context *Context) GitFacts() gitinfo.Facts {
	context.gitOnce.Do(func() {
		if context.gitCache != nil {
			context.gitFacts = context.gitCache.Lookup(context.Dir)
		}
	})
	return context.gitFacts
}
