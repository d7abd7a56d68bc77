package genre

import "github.com/hitoshi/audiobrief/internal/model"

// 階層ごとのキーワード重み。
const (
	highWeight   = 3.0
	mediumWeight = 1.5
	lowWeight    = 0.8
)

// keywordTiers はジャンル1件分の重み付きキーワード。
// 英字キーワードは小文字で記述する。
type keywordTiers struct {
	High   []string
	Medium []string
	Low    []string
}

var defaultKeywords = map[model.Genre]keywordTiers{
	model.GenreTechnology: {
		High: []string{
			"ai", "artificial intelligence", "chip", "semiconductor", "software", "smartphone",
			"startup", "cybersecurity", "robot", "quantum computing",
			"人工知能", "半導体", "ソフトウェア", "スマートフォン", "スマホ", "生成ai", "サイバー",
		},
		Medium: []string{
			"phone", "app", "apple", "google", "microsoft", "nvidia", "cloud", "data", "internet",
			"device", "tech", "gadget", "computer", "processor",
			"アプリ", "クラウド", "デバイス", "インターネット", "テック", "ロボット",
		},
		Low: []string{
			"digital", "online", "platform", "update", "launch", "innovation",
			"デジタル", "オンライン", "新機能", "発表",
		},
	},
	model.GenreEconomy: {
		High: []string{
			"stock", "stocks", "economy", "inflation", "interest rate", "gdp", "central bank",
			"株価", "経済", "物価", "日銀", "金利", "為替", "円安", "円高",
		},
		Medium: []string{
			"market", "earnings", "revenue", "profit", "investor", "shares", "trade", "bank",
			"nasdaq", "nikkei", "dow",
			"市場", "決算", "売上", "投資", "企業", "銀行", "日経平均",
		},
		Low: []string{
			"price", "business", "company", "sales", "growth", "cost",
			"価格", "ビジネス", "成長", "値上げ",
		},
	},
	model.GenrePolitics: {
		High: []string{
			"election", "parliament", "congress", "senate", "prime minister", "president",
			"legislation", "campaign",
			"選挙", "国会", "首相", "内閣", "与党", "野党", "政権", "衆院", "参院",
		},
		Medium: []string{
			"government", "policy", "vote", "votes", "minister", "law", "bill", "party",
			"regulation", "results",
			"政府", "政策", "法案", "大臣", "規制", "投票",
		},
		Low: []string{
			"official", "debate", "reform", "public",
			"議論", "改革", "知事",
		},
	},
	model.GenreInternational: {
		High: []string{
			"united nations", "diplomacy", "summit", "foreign minister", "embassy", "sanctions",
			"国連", "外交", "首脳会談", "大使館", "制裁",
		},
		Medium: []string{
			"foreign", "overseas", "international", "global", "war", "conflict", "treaty",
			"nato", "eu", "border",
			"海外", "国際", "紛争", "戦争", "条約", "米国", "中国", "韓国", "ロシア", "ウクライナ",
		},
		Low: []string{
			"world", "country", "countries", "alliance",
			"世界", "各国", "同盟",
		},
	},
	model.GenreSports: {
		High: []string{
			"football", "soccer", "baseball", "basketball", "tennis", "olympics", "world cup",
			"championship", "tournament", "nba", "mlb",
			"サッカー", "野球", "五輪", "オリンピック", "ワールドカップ", "大谷", "優勝",
		},
		Medium: []string{
			"match", "game", "league", "player", "coach", "goal", "team", "season", "athlete",
			"試合", "リーグ", "選手", "監督", "得点", "大会",
		},
		Low: []string{
			"win", "victory", "score", "fans", "stadium",
			"勝利", "敗戦", "ファン",
		},
	},
	model.GenreEntertainment: {
		High: []string{
			"movie", "film", "music", "celebrity", "concert", "album", "anime", "box office",
			"映画", "音楽", "芸能", "アニメ", "ライブ", "俳優", "女優",
		},
		Medium: []string{
			"actor", "actress", "singer", "drama", "tv", "show", "streaming", "festival", "award",
			"ドラマ", "歌手", "番組", "配信", "アイドル",
		},
		Low: []string{
			"star", "fans", "premiere", "release",
			"公開", "話題",
		},
	},
	model.GenreScience: {
		High: []string{
			"research", "scientists", "space", "nasa", "physics", "astronomy", "climate change",
			"研究", "科学", "宇宙", "物理", "天文", "気候変動",
		},
		Medium: []string{
			"study", "discovery", "experiment", "laboratory", "species", "planet", "telescope",
			"jaxa", "dna",
			"発見", "実験", "研究者", "惑星", "探査",
		},
		Low: []string{
			"environment", "nature", "energy", "data",
			"環境", "自然", "エネルギー",
		},
	},
	model.GenreHealth: {
		High: []string{
			"health", "medical", "disease", "vaccine", "hospital", "patients", "cancer",
			"健康", "医療", "病気", "ワクチン", "病院", "患者", "感染症",
		},
		Medium: []string{
			"doctor", "treatment", "virus", "drug", "mental health", "diet", "symptoms",
			"医師", "治療", "ウイルス", "薬", "症状",
		},
		Low: []string{
			"sleep", "exercise", "care", "wellness",
			"睡眠", "運動", "介護",
		},
	},
	model.GenreSociety: {
		High: []string{
			"police", "crime", "court", "accident", "earthquake", "disaster", "arrested",
			"警察", "事件", "事故", "地震", "災害", "逮捕", "裁判",
		},
		Medium: []string{
			"school", "education", "community", "weather", "typhoon", "fire", "trial",
			"学校", "教育", "地域", "天気", "台風", "火災", "大雨",
		},
		Low: []string{
			"residents", "city", "local", "family",
			"住民", "市民", "家族", "生活",
		},
	},
}

// tieBreakRule は上位2ジャンルが拮抗したときの判定ルール。
// 指標語が含まれる場合はPreferred、含まれない場合はOtherを採用する。
type tieBreakRule struct {
	Preferred  model.Genre
	Other      model.Genre
	Indicators []string
}

var defaultTieBreakRules = []tieBreakRule{
	{
		Preferred: model.GenrePolitics,
		Other:     model.GenreTechnology,
		Indicators: []string{
			"regulation", "law", "bill", "government", "ban", "antitrust", "lawmakers",
			"規制", "法案", "政府", "法律", "禁止",
		},
	},
	{
		Preferred: model.GenreEconomy,
		Other:     model.GenreTechnology,
		Indicators: []string{
			"stock", "shares", "earnings", "revenue", "profit", "investor", "valuation",
			"株価", "決算", "売上", "利益", "投資",
		},
	},
	{
		Preferred: model.GenreHealth,
		Other:     model.GenreScience,
		Indicators: []string{
			"patient", "patients", "hospital", "treatment", "disease", "clinical",
			"患者", "病院", "治療", "臨床", "病気",
		},
	},
	{
		Preferred: model.GenreInternational,
		Other:     model.GenrePolitics,
		Indicators: []string{
			"foreign", "overseas", "summit", "united nations", "bilateral", "diplomatic",
			"外交", "海外", "国連", "首脳", "二国間",
		},
	},
}
