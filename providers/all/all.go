// Package all registers every built-in provider adapter. Import it for its
// side effects when the full provider set should be constructible:
//
//	import _ "github.com/unioauth/unioauth/providers/all"
//
// Programs that only ever talk to a subset of providers may instead import
// the individual adapter packages.
package all

import (
	_ "github.com/unioauth/unioauth/providers/dingtalk"
	_ "github.com/unioauth/unioauth/providers/feishu"
	_ "github.com/unioauth/unioauth/providers/gitee"
	_ "github.com/unioauth/unioauth/providers/github"
	_ "github.com/unioauth/unioauth/providers/qq"
	_ "github.com/unioauth/unioauth/providers/wechat"
)
