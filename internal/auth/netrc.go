package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NetrcMachine netrc 中的一条凭证记录
type NetrcMachine struct {
	Login    string
	Password string
}

// DefaultNetrcPath 默认的 netrc 路径 (~/.netrc)
func DefaultNetrcPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".netrc"
	}
	return filepath.Join(home, ".netrc")
}

// ReadNetrc 从 netrc 文件读取指定 machine 的凭证
// 用作配置中未提供 client_id/client_secret 时的回退
func ReadNetrc(path, machine string) (*NetrcMachine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read netrc %s: %w", path, err)
	}

	tokens := strings.Fields(string(data))
	var current *NetrcMachine
	var inMachine bool

	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "machine":
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("parse netrc %s: machine without name", path)
			}
			i++
			if current != nil && inMachine {
				return current, nil
			}
			inMachine = tokens[i] == machine
			if inMachine {
				current = &NetrcMachine{}
			}
		case "default":
			if current != nil && inMachine {
				return current, nil
			}
			inMachine = false
		case "login":
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("parse netrc %s: login without value", path)
			}
			i++
			if inMachine && current != nil {
				current.Login = tokens[i]
			}
		case "password":
			if i+1 >= len(tokens) {
				return nil, fmt.Errorf("parse netrc %s: password without value", path)
			}
			i++
			if inMachine && current != nil {
				current.Password = tokens[i]
			}
		}
	}

	if current == nil {
		return nil, fmt.Errorf("machine %q not found in %s", machine, path)
	}
	return current, nil
}
