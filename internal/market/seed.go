package market

type toppingSeed struct {
	name     string
	category string
}

var defaultToppings = []toppingSeed{
	{"blueberries", "fruit"},
	{"strawberries", "fruit"},
	{"raspberries", "fruit"},
	{"bananas", "fruit"},
	{"chocolate chips", "sweet"},
	{"whipped cream", "creamy"},
	{"maple syrup", "sweet"},
	{"honey", "sweet"},
	{"peanut butter", "creamy"},
	{"nutella", "creamy"},
	{"bacon bits", "savory"},
	{"scrambled eggs", "savory"},
	{"cheddar cheese", "savory"},
	{"ham", "savory"},
	{"sausage crumbles", "savory"},
	{"walnuts", "crunchy"},
	{"pecans", "crunchy"},
	{"almonds", "crunchy"},
	{"coconut flakes", "crunchy"},
	{"granola", "crunchy"},
	{"cinnamon sugar", "sweet"},
	{"powdered sugar", "sweet"},
	{"caramel drizzle", "sweet"},
	{"lemon zest", "fruit"},
	{"vanilla cream", "creamy"},
}

// DefaultWorld returns the built-in seed: 3 stands, 10 diners, 25 toppings.
func DefaultWorld() World {
	w := World{
		Producers: []Producer{
			{ID: 1, Name: "Fluffy's Pancake Palace", CreativityBias: 3, RiskTolerance: 3},
			{ID: 2, Name: "Wild Stack Shack", CreativityBias: 5, RiskTolerance: 5},
			{ID: 3, Name: "Grandma's Griddle", CreativityBias: 1, RiskTolerance: 1},
		},
		Consumers: []Consumer{
			{ID: 1, Name: "Alex", Openness: 4, Pickiness: 2, Impulsivity: 3, Indulgence: 4, Nostalgia: 2},
			{ID: 2, Name: "Blake", Openness: 2, Pickiness: 4, Impulsivity: 2, Indulgence: 3, Nostalgia: 4},
			{ID: 3, Name: "Casey", Openness: 5, Pickiness: 1, Impulsivity: 5, Indulgence: 5, Nostalgia: 1},
			{ID: 4, Name: "Dana", Openness: 3, Pickiness: 3, Impulsivity: 2, Indulgence: 2, Nostalgia: 3},
			{ID: 5, Name: "Ellis", Openness: 1, Pickiness: 5, Impulsivity: 1, Indulgence: 2, Nostalgia: 5},
			{ID: 6, Name: "Finley", Openness: 4, Pickiness: 3, Impulsivity: 4, Indulgence: 1, Nostalgia: 2},
			{ID: 7, Name: "Gray", Openness: 2, Pickiness: 2, Impulsivity: 3, Indulgence: 4, Nostalgia: 4},
			{ID: 8, Name: "Harper", Openness: 5, Pickiness: 4, Impulsivity: 2, Indulgence: 3, Nostalgia: 1},
			{ID: 9, Name: "Indigo", Openness: 3, Pickiness: 1, Impulsivity: 5, Indulgence: 5, Nostalgia: 3},
			{ID: 10, Name: "Jordan", Openness: 1, Pickiness: 3, Impulsivity: 1, Indulgence: 1, Nostalgia: 5},
		},
	}
	for i, t := range defaultToppings {
		w.Toppings = append(w.Toppings, Topping{ID: int64(i + 1), Name: t.name, Category: t.category})
	}
	return w
}
