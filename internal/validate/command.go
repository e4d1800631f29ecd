package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// CommandResult is the outcome of command validation.
type CommandResult struct {
	Valid     bool
	Sanitized string
	Reason    string
}

// allowedCommands may appear in a command position. The set covers read-only
// filesystem inspection, search and filter tools, text processing, safe
// scripting interpreters, and fetch tools the sandbox image ships with.
var allowedCommands = map[string]bool{
	// filesystem inspection
	"ls": true, "cat": true, "head": true, "tail": true, "file": true,
	"stat": true, "du": true, "df": true, "pwd": true, "cd": true,
	"basename": true, "dirname": true, "realpath": true, "readlink": true,
	// search / filter
	"find": true, "grep": true, "egrep": true, "fgrep": true, "rg": true,
	"which": true, "xargs": true,
	// text processing
	"awk": true, "sed": true, "cut": true, "sort": true, "uniq": true,
	"tr": true, "wc": true, "diff": true, "comm": true, "paste": true,
	"join": true, "fold": true, "column": true, "nl": true, "strings": true,
	"od": true, "xxd": true, "base64": true, "md5sum": true, "sha1sum": true,
	"sha256sum": true, "jq": true, "yq": true,
	// scripting and shell builtins
	"python3": true, "python": true, "node": true, "echo": true,
	"printf": true, "env": true, "printenv": true, "date": true,
	"test": true, "[": true, "true": true, "false": true, "expr": true,
	"seq": true, "sleep": true,
	// workspace setup (git clone / curl download land in /scratch via cwd)
	"git": true, "curl": true, "tar": true, "gzip": true, "gunzip": true,
	"unzip": true,
}

// pathRestrictedCommands are write commands allowed only when every path
// argument stays inside the sandbox mounts. They also appear in
// deniedCommands; the path-validated allowance is authoritative.
var pathRestrictedCommands = map[string]bool{
	"cp":    true,
	"mkdir": true,
}

// deniedCommands are rejected outright with a named reason. Everything not
// in the allow set is rejected anyway; this list exists so the error message
// can say "denied" instead of "unknown".
var deniedCommands = map[string]bool{
	"rm": true, "rmdir": true, "mv": true, "cp": true, "mkdir": true,
	"chmod": true, "chown": true, "chgrp": true, "ln": true, "dd": true,
	"mkfs": true, "mount": true, "umount": true,
	"sudo": true, "su": true, "passwd": true, "useradd": true, "usermod": true,
	"apt": true, "apt-get": true, "dpkg": true, "yum": true, "dnf": true,
	"apk": true, "brew": true, "pip": true, "pip3": true, "npm": true,
	"npx": true, "yarn": true, "pnpm": true, "gem": true, "cargo": true,
	"vi": true, "vim": true, "nvim": true, "nano": true, "emacs": true, "ed": true,
	"crontab": true, "at": true, "batch": true, "nohup": true,
	"systemctl": true, "service": true, "kill": true, "killall": true, "pkill": true,
	"reboot": true, "shutdown": true, "init": true,
	"ssh": true, "scp": true, "sftp": true, "rsync": true,
	"nc": true, "ncat": true, "netcat": true, "telnet": true, "ftp": true,
	"wget": true,
}

var envAssignmentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// token is one shell word or operator produced by the tokenizer.
type token struct {
	text     string // with surrounding quotes removed
	operator bool   // |, ||, &&, ;, newline, redirects, heredoc markers
	quoted   bool   // any part was quoted
}

// ValidateCommand tokenizes and validates a shell command string.
// Tokenization is quote and escape aware and preserves newlines so heredocs
// survive intact. Only tokens in a command position are checked against the
// command lists; argument tokens are never checked (so `grep 'rm'` passes).
func ValidateCommand(command string) CommandResult {
	sanitized := SanitizeCommand(command)
	if strings.TrimSpace(sanitized) == "" {
		return rejectCommand("command is empty")
	}

	tokens, reason := tokenize(sanitized)
	if reason != "" {
		return rejectCommand(reason)
	}

	if reason := checkCommandPositions(tokens); reason != "" {
		return rejectCommand(reason)
	}
	if reason := checkRedirections(tokens); reason != "" {
		return rejectCommand(reason)
	}

	return CommandResult{Valid: true, Sanitized: sanitized}
}

// SanitizeCommand strips null bytes and carriage returns, collapses runs of
// non-newline whitespace, and collapses consecutive newlines.
func SanitizeCommand(command string) string {
	var b strings.Builder
	b.Grow(len(command))

	prevSpace := false
	prevNewline := false
	for _, r := range command {
		switch {
		case r == 0 || r == '\r':
			continue
		case r == '\n':
			if prevNewline {
				continue
			}
			b.WriteRune(r)
			prevNewline = true
			prevSpace = false
		case r == ' ' || r == '\t':
			if prevSpace {
				continue
			}
			b.WriteRune(' ')
			prevSpace = true
			prevNewline = false
		default:
			b.WriteRune(r)
			prevSpace = false
			prevNewline = false
		}
	}
	return b.String()
}

// tokenize scans the command into words and operators. Heredoc bodies are
// consumed verbatim and never emitted as tokens. It returns a non-empty
// reason when a forbidden substitution is found.
func tokenize(s string) ([]token, string) {
	var tokens []token
	var word strings.Builder
	wordQuoted := false
	haveWord := false

	// heredocDelim is non-empty while a heredoc operator has been seen on
	// the current line; heredocExpand records whether the delimiter was
	// unquoted (body subject to substitution).
	var pendingDelims []string
	var pendingExpand []bool

	flushWord := func() {
		if haveWord || word.Len() > 0 {
			tokens = append(tokens, token{text: word.String(), quoted: wordQuoted})
			word.Reset()
			wordQuoted = false
			haveWord = false
		}
	}
	emitOp := func(op string) {
		flushWord()
		tokens = append(tokens, token{text: op, operator: true})
	}

	runes := []rune(s)
	i := 0
	for i < len(runes) {
		r := runes[i]

		switch r {
		case '\'':
			// single-quoted literal: no substitution possible inside
			wordQuoted = true
			haveWord = true
			j := i + 1
			for j < len(runes) && runes[j] != '\'' {
				word.WriteRune(runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, "unterminated single quote"
			}
			i = j + 1

		case '"':
			wordQuoted = true
			haveWord = true
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				if runes[j] == '`' {
					return nil, "backtick command substitution is not allowed"
				}
				if runes[j] == '$' && j+1 < len(runes) && runes[j+1] == '(' {
					return nil, "$() command substitution is not allowed"
				}
				if runes[j] == '\\' && j+1 < len(runes) {
					j++
				}
				word.WriteRune(runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, "unterminated double quote"
			}
			i = j + 1

		case '\\':
			if i+1 < len(runes) {
				word.WriteRune(runes[i+1])
				haveWord = true
				i += 2
			} else {
				i++
			}

		case '`':
			return nil, "backtick command substitution is not allowed"

		case '$':
			if i+1 < len(runes) && runes[i+1] == '(' {
				return nil, "$() command substitution is not allowed"
			}
			word.WriteRune(r)
			haveWord = true
			i++

		case ' ', '\t':
			flushWord()
			i++

		case '\n':
			flushWord()
			if len(pendingDelims) > 0 {
				// consume heredoc bodies starting on the next line
				body := string(runes[i+1:])
				consumed, reason := consumeHeredocs(body, pendingDelims, pendingExpand)
				if reason != "" {
					return nil, reason
				}
				pendingDelims = nil
				pendingExpand = nil
				tokens = append(tokens, token{text: "\n", operator: true})
				i = i + 1 + consumed
				continue
			}
			tokens = append(tokens, token{text: "\n", operator: true})
			i++

		case '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				emitOp("||")
				i += 2
			} else {
				emitOp("|")
				i++
			}

		case '&':
			if i+1 < len(runes) && runes[i+1] == '&' {
				emitOp("&&")
				i += 2
			} else if i+1 < len(runes) && runes[i+1] == '>' {
				emitOp(">")
				i += 2
			} else {
				// background execution
				emitOp(";")
				i++
			}

		case ';':
			emitOp(";")
			i++

		case '>':
			if i+1 < len(runes) && runes[i+1] == '>' {
				emitOp(">>")
				i += 2
			} else {
				emitOp(">")
				i++
			}

		case '<':
			if i+1 < len(runes) && runes[i+1] == '<' {
				op := "<<"
				j := i + 2
				if j < len(runes) && runes[j] == '-' {
					op = "<<-"
					j++
				}
				emitOp(op)
				// read the delimiter word
				delim, quoted, next := readHeredocDelimiter(runes, j)
				if delim == "" {
					return nil, "heredoc operator without delimiter"
				}
				tokens = append(tokens, token{text: delim, quoted: quoted})
				pendingDelims = append(pendingDelims, delim)
				pendingExpand = append(pendingExpand, !quoted)
				i = next
			} else {
				emitOp("<")
				i++
			}

		default:
			word.WriteRune(r)
			haveWord = true
			i++
		}
	}
	flushWord()
	return tokens, ""
}

// readHeredocDelimiter reads the delimiter token following << or <<-,
// honoring single or double quoting. Returns the delimiter, whether it was
// quoted, and the index just past it.
func readHeredocDelimiter(runes []rune, i int) (string, bool, int) {
	for i < len(runes) && (runes[i] == ' ' || runes[i] == '\t') {
		i++
	}
	if i >= len(runes) {
		return "", false, i
	}

	quoted := false
	var b strings.Builder
	if runes[i] == '\'' || runes[i] == '"' {
		q := runes[i]
		quoted = true
		i++
		for i < len(runes) && runes[i] != q {
			b.WriteRune(runes[i])
			i++
		}
		if i < len(runes) {
			i++
		}
		return b.String(), quoted, i
	}

	for i < len(runes) && runes[i] != ' ' && runes[i] != '\t' && runes[i] != '\n' {
		b.WriteRune(runes[i])
		i++
	}
	return b.String(), quoted, i
}

// consumeHeredocs walks body lines until every pending delimiter has been
// matched, returning the number of runes consumed. Body text is never parsed
// as commands; a blocked command name inside a body does not reject.
// Unquoted-delimiter bodies are still subject to shell substitution, so they
// are scanned for $( and backticks. An unterminated heredoc is accepted here
// and left for downstream exec to fail.
func consumeHeredocs(body string, delims []string, expand []bool) (int, string) {
	consumed := 0
	lines := strings.SplitAfter(body, "\n")
	li := 0
	for di, delim := range delims {
		for li < len(lines) {
			line := lines[li]
			consumed += len([]rune(line))
			li++
			trimmed := strings.TrimSuffix(line, "\n")
			// <<- strips leading tabs; trimming both is harmless here
			if strings.TrimLeft(trimmed, "\t") == delim || trimmed == delim {
				break
			}
			if expand[di] {
				if strings.Contains(line, "$(") {
					return 0, "$() command substitution is not allowed in an expanding heredoc"
				}
				if strings.Contains(line, "`") {
					return 0, "backtick command substitution is not allowed in an expanding heredoc"
				}
			}
		}
	}
	return consumed, ""
}

// checkCommandPositions verifies every token in a command position against
// the allow and deny lists. Command positions are the first token and any
// token immediately following |, &&, ||, ; or a newline. The token after a
// heredoc operator is its delimiter, never a command.
func checkCommandPositions(tokens []token) string {
	commandPos := true
	i := 0
	for i < len(tokens) {
		tok := tokens[i]

		if tok.operator {
			switch tok.text {
			case "|", "||", "&&", ";", "\n":
				commandPos = true
			case "<<", "<<-":
				// skip the delimiter token
				i += 2
				continue
			case ">", ">>", "<":
				// skip the redirection target
				i += 2
				continue
			}
			i++
			continue
		}

		if !commandPos {
			i++
			continue
		}

		// environment assignments prefixing a command keep the position open
		if !tok.quoted && envAssignmentRe.MatchString(tok.text) {
			i++
			continue
		}

		name := BaseName(tok.text)
		switch {
		case pathRestrictedCommands[name]:
			if reason := checkPathRestricted(name, tokens, i+1); reason != "" {
				return reason
			}
		case allowedCommands[name]:
			// ok
		case deniedCommands[name]:
			return fmt.Sprintf("command %q is not permitted in the sandbox", name)
		default:
			return fmt.Sprintf("unknown command %q; only allow-listed commands may run", name)
		}

		commandPos = false
		i++
	}
	return ""
}

// checkPathRestricted validates the path arguments of cp and mkdir.
// For cp every source must lie in a read-allowed directory and the
// destination in /scratch; for mkdir every path argument must lie in /scratch.
func checkPathRestricted(name string, tokens []token, start int) string {
	var args []string
	for i := start; i < len(tokens); i++ {
		if tokens[i].operator {
			break
		}
		if strings.HasPrefix(tokens[i].text, "-") {
			continue
		}
		args = append(args, tokens[i].text)
	}
	if len(args) == 0 {
		return fmt.Sprintf("%s requires path arguments", name)
	}

	if name == "mkdir" {
		for _, arg := range args {
			if !WithinWrite(arg) {
				return fmt.Sprintf("mkdir target %q must be inside /scratch", arg)
			}
		}
		return ""
	}

	// cp: last argument is the destination
	if len(args) < 2 {
		return "cp requires a source and a destination"
	}
	dest := args[len(args)-1]
	if !WithinWrite(dest) {
		return fmt.Sprintf("cp destination %q must be inside /scratch", dest)
	}
	for _, src := range args[:len(args)-1] {
		if !WithinRead(src) {
			return fmt.Sprintf("cp source %q must be inside /scratch, /skills or /claude-cache", src)
		}
	}
	return ""
}

// checkRedirections verifies every output redirection target starts with
// /scratch/ or is /dev/null. File-descriptor duplication targets (&1, &2)
// are always allowed.
func checkRedirections(tokens []token) string {
	for i, tok := range tokens {
		if !tok.operator || (tok.text != ">" && tok.text != ">>") {
			continue
		}
		if i+1 >= len(tokens) || tokens[i+1].operator {
			return "output redirection without a target"
		}
		target := tokens[i+1].text
		if strings.HasPrefix(target, "&") {
			continue
		}
		normalized := NormalizePath(target)
		if normalized == "/dev/null" || WithinWrite(target) {
			continue
		}
		return fmt.Sprintf("output redirection to %q is not allowed; only /scratch and /dev/null", target)
	}
	return ""
}

func rejectCommand(reason string) CommandResult {
	return CommandResult{Valid: false, Reason: reason}
}
